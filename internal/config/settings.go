package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
)

const localPortKey = "LocalPort"

// ErrMalformedSettings reports a settings file that could not be parsed.
var ErrMalformedSettings = errors.New("malformed settings file")

// Settings is the user-editable state persisted between runs.
type Settings struct {
	Keys      models.CredentialSet
	LocalPort int
}

// EnabledPlatforms lists platforms with a non-blank key, in registry order.
func (s Settings) EnabledPlatforms() []models.Platform {
	enabled := s.Keys.Enabled()
	out := make([]models.Platform, 0, len(enabled))
	for _, cred := range enabled {
		out = append(out, cred.Platform)
	}
	return out
}

// SettingsStore persists stream keys and the local port as KEY=value lines
// (TwitchKey, YouTubeKey, KickKey, LocalPort). Unknown lines are ignored.
type SettingsStore struct {
	mu   sync.Mutex
	path string
}

func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load reads the settings file. A missing file yields empty settings.
func (s *SettingsStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() (Settings, error) {
	settings := Settings{Keys: make(models.CredentialSet)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings: %w", err)
	}

	values, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		// Parser errors quote the offending line, which may hold a key.
		return settings, fmt.Errorf("%w: %s", ErrMalformedSettings, s.path)
	}
	for name, v := range unquotedValues(data) {
		values[name] = v
	}

	for _, spec := range models.Platforms() {
		if v := strings.TrimSpace(values[spec.SettingsKey]); v != "" {
			settings.Keys[spec.Platform] = models.StreamKey(v)
		}
	}
	if v := strings.TrimSpace(values[localPortKey]); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			log.Warn().Str("value", v).Msg("Ignoring invalid LocalPort in settings file")
		} else {
			settings.LocalPort = port
		}
	}
	return settings, nil
}

// unquotedValues reads known settings whose value is not quoted the way the
// original tool wrote them: split at the first '=' and kept verbatim. godotenv
// would cut such a value at " #" and expand "$".
func unquotedValues(data []byte) map[string]string {
	known := map[string]bool{localPortKey: true}
	for _, spec := range models.Platforms() {
		known[spec.SettingsKey] = true
	}

	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !known[name] || value == "" || value[0] == '"' || value[0] == '\'' {
			continue
		}
		out[name] = value
	}
	return out
}

// Save replaces the settings file. It is written with owner-only permissions.
func (s *SettingsStore) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

func (s *SettingsStore) save(settings Settings) error {
	values := make(map[string]string)
	for _, spec := range models.Platforms() {
		key, ok := settings.Keys[spec.Platform]
		if !ok || key.IsEmpty() {
			continue
		}
		if err := key.Validate(); err != nil {
			return fmt.Errorf("%s: %w", spec.Platform, err)
		}
		values[spec.SettingsKey] = strings.TrimSpace(key.Reveal())
	}
	if settings.LocalPort > 0 {
		values[localPortKey] = strconv.Itoa(settings.LocalPort)
	}

	content, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if content != "" {
		content += "\n"
	}
	return writeSettingsFile(s.path, []byte(content))
}

// SetKey stores key for platform, leaving everything else untouched.
func (s *SettingsStore) SetKey(p models.Platform, key models.StreamKey) error {
	if !p.Supported() {
		return fmt.Errorf("%w: %s", relayerrors.ErrUnsupportedPlatform, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return err
	}
	settings.Keys[p] = key
	return s.save(settings)
}

// ClearKey disables platform by removing its key.
func (s *SettingsStore) ClearKey(p models.Platform) error {
	return s.SetKey(p, "")
}

// SetLocalPort stores the ingest port used by the next session.
func (s *SettingsStore) SetLocalPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid local port: %d", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return err
	}
	settings.LocalPort = port
	return s.save(settings)
}

func writeSettingsFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("secure temp settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
