// Package nginxconf renders nginx-rtmp configuration for a relay session.
package nginxconf

import (
	"fmt"
	"strings"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
)

const (
	chunkSize         = 4096
	workerConnections = 1024
	loopback          = "127.0.0.1"
	indent            = "    "
)

// Generate renders the media server configuration for cfg. It is pure and
// deterministic: identical input yields byte-identical output.
func Generate(cfg models.RelayConfig) (string, error) {
	if len(cfg.Credentials) == 0 {
		return "", relayerrors.NewConfigurationError("generate_config", "", relayerrors.ErrNoPlatformsConfigured)
	}

	apps := make([]application, 0, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		app, err := newApplication(cfg, cred)
		if err != nil {
			return "", err
		}
		apps = append(apps, app)
	}

	w := &writer{}
	w.line(0, "# Generated by streamrelay. Rewritten on every start; do not edit.")
	w.line(0, "worker_processes 1;")
	w.line(0, "daemon off;")
	w.line(0, "error_log stderr info;")
	if cfg.PIDPath != "" {
		w.line(0, "pid %s;", quote(cfg.PIDPath))
	}
	w.blank()
	w.line(0, "events {")
	w.line(1, "worker_connections %d;", workerConnections)
	w.line(0, "}")
	w.blank()
	w.line(0, "rtmp {")
	w.line(1, "server {")
	w.line(2, "listen %d;", cfg.ListenPort)
	w.line(2, "chunk_size %d;", chunkSize)
	w.blank()

	writeIngest(w, cfg, apps)
	for _, app := range apps {
		w.blank()
		app.write(w)
	}

	w.line(1, "}")
	w.line(0, "}")
	return w.String(), nil
}

func writeIngest(w *writer, cfg models.RelayConfig, apps []application) {
	w.line(2, "application %s {", cfg.ApplicationName)
	w.line(3, "live on;")
	w.line(3, "record off;")
	if cfg.RestrictIngestToLoopback {
		w.line(3, "allow publish %s;", loopback)
		w.line(3, "deny publish all;")
	} else {
		// Ingest trusts every publisher; the relay is meant to sit behind
		// the local machine boundary.
		w.line(3, "allow publish all;")
	}
	w.line(3, "allow play all;")
	w.blank()
	for _, app := range apps {
		w.line(3, "push %s;", app.localURL)
	}
	w.line(2, "}")
}

type application struct {
	name        string
	localURL    string
	transcoder  string
	profile     models.EncodeProfile
	destination string
}

func newApplication(cfg models.RelayConfig, cred models.PlatformCredential) (application, error) {
	platform := cred.Platform
	profile, ok := cfg.Profile(platform)
	if !ok {
		return application{}, relayerrors.NewConfigurationError("generate_config", platform.String(), relayerrors.ErrUnsupportedPlatform)
	}
	ingest, ok := cfg.IngestURL(platform)
	if !ok {
		return application{}, relayerrors.NewConfigurationError("generate_config", platform.String(), relayerrors.ErrUnsupportedPlatform)
	}
	if err := cred.Key.Validate(); err != nil {
		return application{}, relayerrors.NewConfigurationError("generate_config", platform.String(), err)
	}

	return application{
		name:        platform.String(),
		localURL:    fmt.Sprintf("rtmp://%s:%d/%s", loopback, cfg.ListenPort, platform),
		transcoder:  cfg.TranscoderPath,
		profile:     profile,
		destination: ingest + "/" + cred.Key.Reveal(),
	}, nil
}

func (a application) write(w *writer) {
	p := a.profile
	w.line(2, "application %s {", a.name)
	w.line(3, "live on;")
	w.line(3, "record off;")
	w.line(3, "allow publish %s;", loopback)
	w.line(3, "deny publish all;")
	w.line(3, "allow play %s;", loopback)
	w.line(3, "deny play all;")
	w.line(3, "exec_kill_signal term;")
	w.blank()
	w.line(3, "exec %s -i %s", literal(a.transcoder), quote(a.localURL+"/$name"))
	w.line(4, "-c:v libx264 -preset %s -tune %s", literal(p.Preset), literal(p.Tuning))
	w.line(4, "-b:v %[1]dk -maxrate %[1]dk -bufsize %[1]dk", p.VideoBitrateKbps)
	w.line(4, "-pix_fmt yuv420p -g %d -r %d", p.KeyframeInterval, p.Framerate)
	w.line(4, "-c:a aac -b:a %dk -ar %d -ac %d", p.AudioBitrateKbps, p.AudioSampleRate, p.AudioChannels)
	w.line(4, "-f flv %s;", literal(a.destination))
	w.line(2, "}")
}

type writer struct {
	b strings.Builder
}

func (w *writer) line(depth int, format string, args ...any) {
	w.b.WriteString(strings.Repeat(indent, depth))
	if len(args) == 0 {
		w.b.WriteString(format)
	} else {
		fmt.Fprintf(&w.b, format, args...)
	}
	w.b.WriteByte('\n')
}

func (w *writer) blank() {
	w.b.WriteByte('\n')
}

func (w *writer) String() string {
	return w.b.String()
}
