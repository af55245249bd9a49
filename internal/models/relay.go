package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
)

const (
	DefaultListenPort      = 1935
	DefaultApplicationName = "live"
	DefaultTranscoderPath  = "ffmpeg"
)

var applicationNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// x264 preset and tune names are plain words.
var profileTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RelayConfig is the full input of one relay session. Build it with
// NewRelayConfig and treat it as immutable afterwards.
type RelayConfig struct {
	ListenPort               int
	ApplicationName          string
	Credentials              []PlatformCredential
	Profiles                 map[Platform]EncodeProfile
	IngestURLs               map[Platform]string
	TranscoderPath           string
	PIDPath                  string
	RestrictIngestToLoopback bool
}

// RelayOptions carries the non-credential inputs of NewRelayConfig.
type RelayOptions struct {
	ListenPort               int
	ApplicationName          string
	Profiles                 map[Platform]EncodeProfile
	IngestURLs               map[Platform]string
	TranscoderPath           string
	PIDPath                  string
	RestrictIngestToLoopback bool
}

// NewRelayConfig copies its inputs so later mutation of the caller's maps
// cannot leak into a running session.
func NewRelayConfig(creds CredentialSet, opts RelayOptions) RelayConfig {
	cfg := RelayConfig{
		ListenPort:               opts.ListenPort,
		ApplicationName:          strings.TrimSpace(opts.ApplicationName),
		Credentials:              creds.Enabled(),
		Profiles:                 make(map[Platform]EncodeProfile, len(opts.Profiles)),
		IngestURLs:               make(map[Platform]string, len(opts.IngestURLs)),
		TranscoderPath:           strings.TrimSpace(opts.TranscoderPath),
		PIDPath:                  strings.TrimSpace(opts.PIDPath),
		RestrictIngestToLoopback: opts.RestrictIngestToLoopback,
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = DefaultApplicationName
	}
	if cfg.TranscoderPath == "" {
		cfg.TranscoderPath = DefaultTranscoderPath
	}
	for p, profile := range opts.Profiles {
		cfg.Profiles[p] = profile
	}
	for p, ingest := range opts.IngestURLs {
		if ingest = strings.TrimSpace(ingest); ingest != "" {
			cfg.IngestURLs[p] = strings.TrimRight(ingest, "/")
		}
	}
	return cfg
}

// Platforms lists the enabled platforms in generation order.
func (c RelayConfig) Platforms() []Platform {
	out := make([]Platform, 0, len(c.Credentials))
	for _, cred := range c.Credentials {
		out = append(out, cred.Platform)
	}
	return out
}

// Profile returns the encode profile for p, preferring an explicit override.
func (c RelayConfig) Profile(p Platform) (EncodeProfile, bool) {
	if profile, ok := c.Profiles[p]; ok {
		return profile, true
	}
	spec, ok := LookupPlatform(p)
	if !ok {
		return EncodeProfile{}, false
	}
	return spec.Profile, true
}

// IngestURL returns the platform ingest base URL without a trailing slash.
func (c RelayConfig) IngestURL(p Platform) (string, bool) {
	if ingest, ok := c.IngestURLs[p]; ok {
		return ingest, true
	}
	spec, ok := LookupPlatform(p)
	if !ok {
		return "", false
	}
	return spec.IngestURL, true
}

// Validate checks everything the generator relies on.
func (c RelayConfig) Validate() error {
	if len(c.Credentials) == 0 {
		return relayerrors.NewConfigurationError("validate_config", "", relayerrors.ErrNoPlatformsConfigured)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return relayerrors.NewConfigurationError("validate_config", "",
			fmt.Errorf("%w: listen port %d out of range", relayerrors.ErrInvalidConfig, c.ListenPort))
	}
	if !applicationNamePattern.MatchString(c.ApplicationName) {
		return relayerrors.NewConfigurationError("validate_config", "",
			fmt.Errorf("%w: application name %q", relayerrors.ErrInvalidConfig, c.ApplicationName))
	}
	if strings.ContainsAny(c.TranscoderPath, "\x00\r\n") {
		return relayerrors.NewConfigurationError("validate_config", "",
			fmt.Errorf("%w: transcoder path contains control characters", relayerrors.ErrInvalidConfig))
	}

	seen := make(map[Platform]struct{}, len(c.Credentials))
	for _, cred := range c.Credentials {
		if _, dup := seen[cred.Platform]; dup {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(),
				fmt.Errorf("%w: duplicate platform", relayerrors.ErrInvalidConfig))
		}
		seen[cred.Platform] = struct{}{}

		if !cred.Platform.Supported() {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(), relayerrors.ErrUnsupportedPlatform)
		}
		if cred.Platform.String() == c.ApplicationName {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(),
				fmt.Errorf("%w: application name collides with platform application", relayerrors.ErrInvalidConfig))
		}
		if err := cred.Key.Validate(); err != nil {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(), err)
		}
		profile, _ := c.Profile(cred.Platform)
		if err := profile.Validate(); err != nil {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(), err)
		}
		ingest, _ := c.IngestURL(cred.Platform)
		if err := validateIngestURL(ingest); err != nil {
			return relayerrors.NewConfigurationError("validate_config", cred.Platform.String(), err)
		}
	}
	return nil
}

// Validate checks that every field can be handed to the transcoder.
func (p EncodeProfile) Validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"video bitrate", p.VideoBitrateKbps},
		{"audio bitrate", p.AudioBitrateKbps},
		{"audio sample rate", p.AudioSampleRate},
		{"audio channels", p.AudioChannels},
		{"framerate", p.Framerate},
		{"keyframe interval", p.KeyframeInterval},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%w: profile %s must be positive", relayerrors.ErrInvalidConfig, f.name)
		}
	}
	if !profileTokenPattern.MatchString(p.Preset) {
		return fmt.Errorf("%w: profile preset %q", relayerrors.ErrInvalidConfig, p.Preset)
	}
	if !profileTokenPattern.MatchString(p.Tuning) {
		return fmt.Errorf("%w: profile tuning %q", relayerrors.ErrInvalidConfig, p.Tuning)
	}
	return nil
}

func validateIngestURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: ingest url: %v", relayerrors.ErrInvalidConfig, err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return fmt.Errorf("%w: ingest url scheme %q", relayerrors.ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" || strings.ContainsAny(raw, "\"'\\$ \t\r\n;{}") {
		return fmt.Errorf("%w: ingest url %q", relayerrors.ErrInvalidConfig, raw)
	}
	return nil
}

// SessionState is the lifecycle state of a relay session.
type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateStopping SessionState = "stopping"
	StateFailed   SessionState = "failed"
)

// Active reports whether a session in this state blocks a new Start.
func (s SessionState) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// TranscoderStatus describes one transcoder child observed in the process tree.
type TranscoderStatus struct {
	Platform Platform `json:"platform"`
	PID      int32    `json:"pid"`
	Running  bool     `json:"running"`
}

// RelaySession is a point-in-time snapshot of the relay. It never carries keys.
type RelaySession struct {
	ID          string             `json:"id,omitempty"`
	State       SessionState       `json:"state"`
	Platforms   []Platform         `json:"platforms,omitempty"`
	ListenPort  int                `json:"listenPort,omitempty"`
	IngestURL   string             `json:"ingestUrl,omitempty"`
	StartedAt   time.Time          `json:"startedAt,omitempty"`
	PID         int                `json:"pid,omitempty"`
	Transcoders []TranscoderStatus `json:"transcoders,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
}

// StatusEvent reports one monitor state transition.
type StatusEvent struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Previous  SessionState `json:"previous"`
	New       SessionState `json:"new"`
	Detail    string       `json:"detail,omitempty"`
}

// PublishURL is the address a broadcasting tool should stream to.
func PublishURL(port int, application string) string {
	return fmt.Sprintf("rtmp://localhost:%d/%s", port, application)
}
