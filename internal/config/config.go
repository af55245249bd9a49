package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/utils"
)

const (
	DefaultAPIAddress     = "127.0.0.1:8935"
	DefaultMetricsAddress = "127.0.0.1:9935"
	DefaultPollInterval   = 5 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultReapTimeout    = 2 * time.Second

	configFileName   = "config.yaml"
	settingsFileName = "settings.env"
)

// Config holds the application configuration. Stream keys never live here;
// they belong to the settings store.
type Config struct {
	DataDir string `yaml:"-"`

	ListenPort               int                             `yaml:"listen_port"`
	ApplicationName          string                          `yaml:"application"`
	NginxPath                string                          `yaml:"nginx_path"`
	TranscoderPath           string                          `yaml:"transcoder_path"`
	RuntimeDir               string                          `yaml:"runtime_dir"`
	PollInterval             time.Duration                   `yaml:"poll_interval"`
	StopTimeout              time.Duration                   `yaml:"stop_timeout"`
	ReapTimeout              time.Duration                   `yaml:"reap_timeout"`
	RestrictIngestToLoopback bool                            `yaml:"restrict_ingest_to_loopback"`
	IngestOverrides          map[string]string               `yaml:"ingest_overrides"`
	Profiles                 map[string]models.EncodeProfile `yaml:"profiles"`

	APIAddress     string   `yaml:"api_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MetricsAddress string   `yaml:"metrics_address"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	SettingsPath   string   `yaml:"settings_path"`

	// Track which settings came from the environment
	EnvOverrides map[string]bool `yaml:"-"`
}

// DefaultDataDir is where the config file, .env and settings store live
// unless STREAMRELAY_DATA_DIR says otherwise.
func DefaultDataDir() string {
	if dir := utils.GetenvTrim("STREAMRELAY_DATA_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "streamrelay")
	}
	return filepath.Join(os.TempDir(), "streamrelay")
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:         dataDir,
		ListenPort:      models.DefaultListenPort,
		ApplicationName: models.DefaultApplicationName,
		TranscoderPath:  models.DefaultTranscoderPath,
		RuntimeDir:      filepath.Join(dataDir, "run"),
		PollInterval:    DefaultPollInterval,
		StopTimeout:     DefaultStopTimeout,
		ReapTimeout:     DefaultReapTimeout,
		APIAddress:      DefaultAPIAddress,
		MetricsAddress:  DefaultMetricsAddress,
		LogLevel:        "info",
		LogFormat:       "auto",
		SettingsPath:    filepath.Join(dataDir, settingsFileName),
		EnvOverrides:    make(map[string]bool),
	}
}

// Load builds the configuration from defaults, the YAML file, .env files and
// STREAMRELAY_* environment variables, in increasing order of precedence.
// An empty path means <data dir>/config.yaml, which may be absent.
func Load(path string) (*Config, error) {
	dataDir := DefaultDataDir()

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	// The .env may itself move the data directory.
	if dir := utils.GetenvTrim("STREAMRELAY_DATA_DIR"); dir != "" {
		dataDir = dir
	}
	cfg := defaults(dataDir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dataDir, configFileName)
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	log.Info().
		Str("config_file", path).
		Int("ingest_overrides", len(c.IngestOverrides)).
		Int("profile_overrides", len(c.Profiles)).
		Msg("Loaded configuration from file")
	return nil
}

func (c *Config) applyEnv() error {
	if v := utils.GetenvTrim("STREAMRELAY_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAMRELAY_LISTEN_PORT: %w", err)
		}
		c.ListenPort = port
		c.EnvOverrides["listenPort"] = true
		log.Info().Int("port", port).Msg("Listen port overridden by STREAMRELAY_LISTEN_PORT env var")
	}

	strOverrides := []struct {
		env    string
		key    string
		target *string
	}{
		{"STREAMRELAY_APPLICATION", "application", &c.ApplicationName},
		{"STREAMRELAY_NGINX_PATH", "nginxPath", &c.NginxPath},
		{"STREAMRELAY_TRANSCODER_PATH", "transcoderPath", &c.TranscoderPath},
		{"STREAMRELAY_RUNTIME_DIR", "runtimeDir", &c.RuntimeDir},
		{"STREAMRELAY_API_ADDR", "apiAddress", &c.APIAddress},
		{"STREAMRELAY_METRICS_ADDR", "metricsAddress", &c.MetricsAddress},
		{"STREAMRELAY_LOG_FORMAT", "logFormat", &c.LogFormat},
		{"STREAMRELAY_SETTINGS_PATH", "settingsPath", &c.SettingsPath},
	}
	for _, o := range strOverrides {
		if v := utils.GetenvTrim(o.env); v != "" {
			*o.target = v
			c.EnvOverrides[o.key] = true
			log.Debug().Str("env", o.env).Msg("Setting overridden by env var")
		}
	}

	if v := utils.GetenvTrim("LOG_LEVEL"); v != "" {
		c.LogLevel = v
		c.EnvOverrides["logLevel"] = true
		log.Info().Str("level", v).Msg("Log level overridden by LOG_LEVEL env var")
	}
	if v := utils.GetenvTrim("STREAMRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
		c.EnvOverrides["logLevel"] = true
	}

	durOverrides := []struct {
		env    string
		key    string
		target *time.Duration
	}{
		{"STREAMRELAY_POLL_INTERVAL", "pollInterval", &c.PollInterval},
		{"STREAMRELAY_STOP_TIMEOUT", "stopTimeout", &c.StopTimeout},
		{"STREAMRELAY_REAP_TIMEOUT", "reapTimeout", &c.ReapTimeout},
	}
	for _, o := range durOverrides {
		v := utils.GetenvTrim(o.env)
		if v == "" {
			continue
		}
		d, err := utils.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.target = d
		c.EnvOverrides[o.key] = true
		log.Info().Str("env", o.env).Dur("value", d).Msg("Duration overridden by env var")
	}

	if v := utils.GetenvTrim("STREAMRELAY_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
		c.EnvOverrides["allowedOrigins"] = true
	}

	if v := utils.GetenvTrim("STREAMRELAY_RESTRICT_INGEST"); v != "" {
		c.RestrictIngestToLoopback = utils.ParseBool(v)
		c.EnvOverrides["restrictIngestToLoopback"] = true
	}
	return nil
}

// Validate checks the settings that are not re-validated per session.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.ListenPort)
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll interval must be at least 100ms")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive")
	}
	if c.ReapTimeout <= 0 {
		return fmt.Errorf("reap timeout must be positive")
	}
	if strings.TrimSpace(c.RuntimeDir) == "" {
		return fmt.Errorf("runtime dir is required")
	}
	if strings.TrimSpace(c.SettingsPath) == "" {
		return fmt.Errorf("settings path is required")
	}
	if _, _, err := net.SplitHostPort(c.APIAddress); err != nil {
		return fmt.Errorf("invalid api address %q: %w", c.APIAddress, err)
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddress, err)
		}
	}
	for name := range c.IngestOverrides {
		if !models.ParsePlatform(name).Supported() {
			return fmt.Errorf("ingest override for unsupported platform %q", name)
		}
	}
	for name, profile := range c.Profiles {
		if !models.ParsePlatform(name).Supported() {
			return fmt.Errorf("profile for unsupported platform %q", name)
		}
		if profile.VideoBitrateKbps < 0 || profile.AudioBitrateKbps < 0 {
			return fmt.Errorf("profile for %s: bitrates must not be negative", name)
		}
		spec, _ := models.LookupPlatform(models.ParsePlatform(name))
		if err := mergeProfile(spec.Profile, profile).Validate(); err != nil {
			return fmt.Errorf("profile for %s: %w", name, err)
		}
	}
	return nil
}

// NginxConfigPath is where the generated media server configuration is written.
func (c *Config) NginxConfigPath() string {
	return filepath.Join(c.RuntimeDir, "nginx.conf")
}

// PIDPath is handed to the media server for its pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.RuntimeDir, "nginx.pid")
}

// IngestURLs returns the ingest overrides keyed by platform.
func (c *Config) IngestURLs() map[models.Platform]string {
	out := make(map[models.Platform]string, len(c.IngestOverrides))
	for name, url := range c.IngestOverrides {
		out[models.ParsePlatform(name)] = url
	}
	return out
}

// EncodeProfiles returns complete profiles for every overridden platform.
// Zero fields fall back to the registry default.
func (c *Config) EncodeProfiles() map[models.Platform]models.EncodeProfile {
	out := make(map[models.Platform]models.EncodeProfile, len(c.Profiles))
	for name, override := range c.Profiles {
		p := models.ParsePlatform(name)
		spec, ok := models.LookupPlatform(p)
		if !ok {
			continue
		}
		out[p] = mergeProfile(spec.Profile, override)
	}
	return out
}

func mergeProfile(base, o models.EncodeProfile) models.EncodeProfile {
	if o.VideoBitrateKbps > 0 {
		base.VideoBitrateKbps = o.VideoBitrateKbps
	}
	if o.AudioBitrateKbps > 0 {
		base.AudioBitrateKbps = o.AudioBitrateKbps
	}
	if o.AudioSampleRate > 0 {
		base.AudioSampleRate = o.AudioSampleRate
	}
	if o.AudioChannels > 0 {
		base.AudioChannels = o.AudioChannels
	}
	if o.Framerate > 0 {
		base.Framerate = o.Framerate
	}
	if o.KeyframeInterval > 0 {
		base.KeyframeInterval = o.KeyframeInterval
	}
	if o.Preset != "" {
		base.Preset = o.Preset
	}
	if o.Tuning != "" {
		base.Tuning = o.Tuning
	}
	return base
}
