package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/metrics"
)

const (
	DefaultExecutableName = "nginx"
	DefaultStopTimeout    = 5 * time.Second
	DefaultReapTimeout    = 2 * time.Second

	// outputDrainDelay bounds how long Wait keeps reading pipes that a
	// grandchild may still hold after the server itself has exited.
	outputDrainDelay = time.Second
)

// Config controls where the media server configuration is written and which
// executable is launched.
type Config struct {
	// ExecutablePath is an explicit path to the media server binary. When
	// empty, ExecutableName is looked up on PATH.
	ExecutablePath string
	ExecutableName string
	// ConfigPath is the fixed location of the generated configuration.
	ConfigPath string
	// PrefixDir is passed to the server as its prefix (-p) when set.
	PrefixDir string
	// ReapTimeout bounds the wait for exit after forced termination.
	ReapTimeout time.Duration
}

// Handle refers to one launched media server process. The supervisor owns
// the underlying process; callers only observe it.
type Handle struct {
	ID         string
	PID        int
	StartedAt  time.Time
	ConfigPath string

	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the reaped exit status. It is only meaningful after Done
// is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Supervisor manages the media server process. It owns at most one handle.
type Supervisor struct {
	mu      sync.Mutex
	cfg     Config
	current *Handle
}

// New creates a supervisor. ConfigPath is required.
func New(cfg Config) (*Supervisor, error) {
	if strings.TrimSpace(cfg.ConfigPath) == "" {
		return nil, fmt.Errorf("supervisor: config path is required")
	}
	if cfg.ExecutableName == "" {
		cfg.ExecutableName = DefaultExecutableName
	}
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = DefaultReapTimeout
	}
	cfg.ConfigPath = filepath.Clean(cfg.ConfigPath)
	return &Supervisor{cfg: cfg}, nil
}

// ConfigPath returns the location the generated configuration is written to.
func (s *Supervisor) ConfigPath() string {
	return s.cfg.ConfigPath
}

// Start writes configText and launches the media server. Every value in
// secrets is redacted from the captured process output.
func (s *Supervisor) Start(configText string, secrets ...string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if IsAlive(s.current) {
			return nil, relayerrors.NewProcessError("start", relayerrors.ErrAlreadyRunning)
		}
		s.current = nil
	}

	// Locate the binary first so a missing install never leaves secrets on disk.
	exe, err := s.locateExecutable()
	if err != nil {
		return nil, relayerrors.NewProcessError("locate_executable", fmt.Errorf("%w: %w", relayerrors.ErrExecutableNotFound, err))
	}

	if err := writeFileAtomic(s.cfg.ConfigPath, []byte(configText)); err != nil {
		return nil, relayerrors.NewProcessError("write_config", fmt.Errorf("%w: %w", relayerrors.ErrConfigWriteFailed, err))
	}

	args := []string{"-c", s.cfg.ConfigPath}
	if s.cfg.PrefixDir != "" {
		args = append(args, "-p", s.cfg.PrefixDir)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(s.cfg.ConfigPath)
	cmd.Stdout = newLogWriter("nginx", zerolog.DebugLevel, secrets)
	cmd.Stderr = newLogWriter("nginx", zerolog.WarnLevel, secrets)
	cmd.WaitDelay = outputDrainDelay
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		s.removeConfig()
		return nil, relayerrors.NewProcessError("spawn", fmt.Errorf("%w: %w", relayerrors.ErrSpawnFailed, err))
	}

	h := &Handle{
		ID:         uuid.NewString(),
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		ConfigPath: s.cfg.ConfigPath,
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	go s.reap(h)

	s.current = h
	log.Info().
		Str("session", h.ID).
		Int("pid", h.PID).
		Str("executable", exe).
		Str("config", s.cfg.ConfigPath).
		Msg("Media server started")
	return h, nil
}

func (s *Supervisor) reap(h *Handle) {
	err := h.cmd.Wait()
	for _, w := range []any{h.cmd.Stdout, h.cmd.Stderr} {
		if lw, ok := w.(*logWriter); ok {
			lw.Flush()
		}
	}
	event := log.Debug()
	if err != nil {
		event = log.Info().Err(err)
	}
	event.Str("session", h.ID).Int("pid", h.PID).Msg("Media server process reaped")

	// Workers and transcoders must not outlive the server.
	if kerr := killGroup(h.PID); kerr != nil {
		log.Warn().Err(kerr).Str("session", h.ID).Int("pid", h.PID).Msg("Failed to clean up media server children")
	}

	h.exitErr = err
	close(h.done)
}

// Stop asks the process to exit, escalating to a forced kill after timeout.
// Ownership is always released, even when the process could not be reaped.
func (s *Supervisor) Stop(h *Handle, timeout time.Duration) error {
	if h == nil || h.done == nil {
		return relayerrors.NewProcessError("stop", relayerrors.ErrNotRunning)
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	var errs []error
	begin := time.Now()
	forced := false

	if IsAlive(h) {
		if err := terminate(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("request shutdown: %w", err))
		}

		select {
		case <-h.done:
		case <-time.After(timeout):
			forced = true
			log.Warn().
				Str("session", h.ID).
				Int("pid", h.PID).
				Dur("timeout", timeout).
				Msg("Media server did not exit in time, forcing termination")
			if err := kill(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("force kill: %w", err))
			}
			select {
			case <-h.done:
			case <-time.After(s.cfg.ReapTimeout):
				log.Error().
					Str("session", h.ID).
					Int("pid", h.PID).
					Dur("reap_timeout", s.cfg.ReapTimeout).
					Msg("Media server could not be reaped after forced termination")
				errs = append(errs, relayerrors.ErrStopTimeoutExceeded)
			}
		}
	}

	if err := killGroup(h.PID); err != nil {
		errs = append(errs, fmt.Errorf("kill process group: %w", err))
	}

	s.release(h)
	metrics.RecordStop(forced, time.Since(begin))

	log.Info().
		Str("session", h.ID).
		Int("pid", h.PID).
		Bool("forced", forced).
		Dur("elapsed", time.Since(begin)).
		Msg("Media server stopped")

	if len(errs) > 0 {
		return relayerrors.NewProcessError("stop", errors.Join(errs...))
	}
	return nil
}

// IsAlive reports whether the handle's process is still running. It never blocks.
func (s *Supervisor) IsAlive(h *Handle) bool {
	return IsAlive(h)
}

// IsAlive reports whether h's process has not been reaped yet.
func IsAlive(h *Handle) bool {
	if h == nil || h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Current returns the owned handle, if any.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == h {
		s.current = nil
		s.removeConfig()
	}
}

// removeConfig deletes the generated file, which holds stream keys.
func (s *Supervisor) removeConfig() {
	if err := os.Remove(s.cfg.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("config", s.cfg.ConfigPath).Msg("Failed to remove media server config")
	}
}

func (s *Supervisor) locateExecutable() (string, error) {
	if path := strings.TrimSpace(s.cfg.ExecutablePath); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", path)
		}
		return path, nil
	}
	return exec.LookPath(s.cfg.ExecutableName)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("secure temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
