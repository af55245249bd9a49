package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/metrics"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/nginxconf"
	"github.com/rcourtman/streamrelay/internal/supervisor"
)

// DefaultStopTimeout is the graceful shutdown window before a forced kill.
const DefaultStopTimeout = 5 * time.Second

// ProcessSupervisor launches and terminates the media server.
type ProcessSupervisor interface {
	Start(configText string, secrets ...string) (*supervisor.Handle, error)
	Stop(h *supervisor.Handle, timeout time.Duration) error
	IsAlive(h *supervisor.Handle) bool
	Transcoders(ctx context.Context, h *supervisor.Handle) ([]models.TranscoderStatus, error)
}

// StatusMonitor watches a launched process and publishes status events.
type StatusMonitor interface {
	Watch(h *supervisor.Handle) error
	Stop()
	Status() (models.SessionState, string)
	Subscribe() (string, <-chan models.StatusEvent)
	Unsubscribe(id string)
	History() []models.StatusEvent
}

// Options are the session settings that do not come from credentials.
type Options struct {
	ListenPort               int
	ApplicationName          string
	TranscoderPath           string
	PIDPath                  string
	IngestURLs               map[models.Platform]string
	Profiles                 map[models.Platform]models.EncodeProfile
	RestrictIngestToLoopback bool
	StopTimeout              time.Duration
}

// RelayOptions converts o into the options a RelayConfig is built from.
func (o Options) RelayOptions() models.RelayOptions {
	return models.RelayOptions{
		ListenPort:               o.ListenPort,
		ApplicationName:          o.ApplicationName,
		Profiles:                 o.Profiles,
		IngestURLs:               o.IngestURLs,
		TranscoderPath:           o.TranscoderPath,
		PIDPath:                  o.PIDPath,
		RestrictIngestToLoopback: o.RestrictIngestToLoopback,
	}
}

type session struct {
	state  models.SessionState
	config models.RelayConfig
	handle *supervisor.Handle
}

// Controller is the single entry point for starting and stopping the relay.
type Controller struct {
	// opMu serialises Start and Stop; mu guards the session for readers.
	opMu sync.Mutex
	mu   sync.RWMutex

	opts    Options
	sup     ProcessSupervisor
	mon     StatusMonitor
	session *session
	lastErr string
}

func NewController(opts Options, sup ProcessSupervisor, mon StatusMonitor) *Controller {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	metrics.SetRelayState(models.StateIdle)
	return &Controller{opts: opts, sup: sup, mon: mon}
}

// SetOptions replaces the session settings used by the next Start.
func (c *Controller) SetOptions(opts Options) {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.opts = opts
}

// Start validates creds, launches the media server and begins monitoring it.
// A failed previous session is torn down and replaced.
func (c *Controller) Start(creds models.CredentialSet) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	prev := c.session
	c.mu.RUnlock()

	if prev != nil {
		if state, _ := c.mon.Status(); state != models.StateFailed {
			metrics.RecordStart("already_running", 0)
			return relayerrors.NewProcessError("start", relayerrors.ErrAlreadyRunning)
		}
	}

	cfg := models.NewRelayConfig(creds, c.opts.RelayOptions())
	if len(cfg.Credentials) == 0 {
		return c.startFailed(relayerrors.NewConfigurationError("start", "", relayerrors.ErrNoPlatformsConfigured))
	}
	if err := cfg.Validate(); err != nil {
		return c.startFailed(err)
	}
	text, err := nginxconf.Generate(cfg)
	if err != nil {
		return c.startFailed(err)
	}

	if prev != nil {
		log.Info().Msg("Replacing failed relay session")
		if err := c.teardown(prev); err != nil {
			log.Warn().Err(err).Msg("Failed to clean up previous relay session")
		}
	}

	c.setSession(&session{state: models.StateStarting, config: cfg})

	var secrets []string
	for _, cred := range cfg.Credentials {
		secrets = append(secrets, nginxconf.SecretForms(cred.Key.Reveal())...)
	}

	h, err := c.sup.Start(text, secrets...)
	if err != nil {
		c.setSession(nil)
		return c.startFailed(err)
	}

	if err := c.mon.Watch(h); err != nil {
		if stopErr := c.sup.Stop(h, c.opts.StopTimeout); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Failed to roll back media server after monitor error")
		}
		c.setSession(nil)
		return c.startFailed(err)
	}

	c.mu.Lock()
	c.session = &session{state: models.StateRunning, config: cfg, handle: h}
	c.lastErr = ""
	c.mu.Unlock()

	metrics.SetRelayState(models.StateRunning)
	metrics.RecordStart("success", len(cfg.Credentials))
	log.Info().
		Str("session", h.ID).
		Int("port", cfg.ListenPort).
		Strs("platforms", platformNames(cfg.Platforms())).
		Str("publish_url", models.PublishURL(cfg.ListenPort, cfg.ApplicationName)).
		Msg("Relay started")
	return nil
}

// Stop terminates the active session. It is a no-op when idle.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	s.state = models.StateStopping
	c.mu.Unlock()
	metrics.SetRelayState(models.StateStopping)

	err := c.teardown(s)

	c.mu.Lock()
	c.session = nil
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	metrics.SetRelayState(models.StateIdle)

	if err != nil {
		log.Warn().Err(err).Msg("Relay stopped with errors")
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}

// teardown stops monitoring before terminating the process so an intentional
// exit is never reported as a failure.
func (c *Controller) teardown(s *session) error {
	c.mon.Stop()
	if s.handle == nil {
		return nil
	}
	return c.sup.Stop(s.handle, c.opts.StopTimeout)
}

// CurrentStatus returns a key-free snapshot of the relay. It does not wait
// for an in-progress Start or Stop.
func (c *Controller) CurrentStatus(ctx context.Context) models.RelaySession {
	c.mu.RLock()
	s := c.session
	var snap models.RelaySession
	if s == nil {
		snap = models.RelaySession{State: models.StateIdle, LastError: c.lastErr}
		c.mu.RUnlock()
		return snap
	}
	snap = models.RelaySession{
		State:      s.state,
		Platforms:  s.config.Platforms(),
		ListenPort: s.config.ListenPort,
		IngestURL:  models.PublishURL(s.config.ListenPort, s.config.ApplicationName),
		LastError:  c.lastErr,
	}
	h := s.handle
	c.mu.RUnlock()

	if h != nil {
		snap.ID = h.ID
		snap.PID = h.PID
		snap.StartedAt = h.StartedAt
	}

	if snap.State == models.StateRunning {
		if state, detail := c.mon.Status(); state == models.StateFailed {
			snap.State = models.StateFailed
			snap.LastError = detail
		}
	}

	if snap.State == models.StateRunning && h != nil {
		transcoders, err := c.sup.Transcoders(ctx, h)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to list transcoder processes")
		}
		snap.Transcoders = transcoders
	}
	return snap
}

func (c *Controller) Subscribe() (string, <-chan models.StatusEvent) {
	return c.mon.Subscribe()
}

func (c *Controller) Unsubscribe(id string) {
	c.mon.Unsubscribe(id)
}

// History returns recent status events, oldest first.
func (c *Controller) History() []models.StatusEvent {
	return c.mon.History()
}

func (c *Controller) setSession(s *session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	if s != nil {
		metrics.SetRelayState(s.state)
	} else {
		metrics.SetRelayState(models.StateIdle)
	}
}

func (c *Controller) startFailed(err error) error {
	kind := relayerrors.KindOf(err)
	metrics.RecordStart(string(kind), 0)

	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()

	log.Warn().Err(err).Str("kind", string(kind)).Msg("Relay start failed")
	return err
}

func platformNames(ps []models.Platform) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}
