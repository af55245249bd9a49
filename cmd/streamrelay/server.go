package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/streamrelay/internal/api"
	"github.com/rcourtman/streamrelay/internal/config"
	"github.com/rcourtman/streamrelay/internal/logging"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/monitor"
	"github.com/rcourtman/streamrelay/internal/relay"
	"github.com/rcourtman/streamrelay/internal/supervisor"
	"github.com/rcourtman/streamrelay/internal/websocket"
)

const (
	serverShutdownTimeout = 10 * time.Second
	snapshotTimeout       = 2 * time.Second
)

// controllerOptions derives session options from the file configuration and
// the stored settings. A LocalPort saved in the settings wins over the file
// value but not over STREAMRELAY_LISTEN_PORT.
func controllerOptions(cfg *config.Config, settings config.Settings) relay.Options {
	port := cfg.ListenPort
	if settings.LocalPort > 0 && !cfg.EnvOverrides["listenPort"] {
		port = settings.LocalPort
	}
	return relay.Options{
		ListenPort:               port,
		ApplicationName:          cfg.ApplicationName,
		TranscoderPath:           cfg.TranscoderPath,
		PIDPath:                  cfg.PIDPath(),
		IngestURLs:               cfg.IngestURLs(),
		Profiles:                 cfg.EncodeProfiles(),
		RestrictIngestToLoopback: cfg.RestrictIngestToLoopback,
		StopTimeout:              cfg.StopTimeout,
	}
}

func newSupervisor(cfg *config.Config) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Config{
		ExecutablePath: cfg.NginxPath,
		ConfigPath:     cfg.NginxConfigPath(),
		PrefixDir:      cfg.RuntimeDir,
		ReapTimeout:    cfg.ReapTimeout,
	})
}

func runServer(ctx context.Context, path string) error {
	// Initialize logger with baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "streamrelay",
	})

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "streamrelay",
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting StreamRelay")

	store := config.NewSettingsStore(cfg.SettingsPath)
	settingsWatcher, err := config.NewSettingsWatcher(store)
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer settingsWatcher.Stop()

	sup, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	mon := monitor.New(sup, monitor.WithPollInterval(cfg.PollInterval))
	controller := relay.NewController(controllerOptions(cfg, settingsWatcher.Current()), sup, mon)

	settingsWatcher.SetChangeCallback(func(s config.Settings) {
		controller.SetOptions(controllerOptions(cfg, s))
	})
	if err := settingsWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher, changes will require restart")
	}

	hub := websocket.NewHub(func() models.RelaySession {
		snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		return controller.CurrentStatus(snapCtx)
	})
	hub.SetAllowedOrigins(cfg.AllowedOrigins)
	subID, events := controller.Subscribe()

	srv := &http.Server{
		Addr:              cfg.APIAddress,
		Handler:           api.NewRouter(controller, store, http.HandlerFunc(hub.HandleWebSocket)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	apiListener, err := net.Listen("tcp", cfg.APIAddress)
	if err != nil {
		controller.Unsubscribe(subID)
		return fmt.Errorf("listen on %s: %w", cfg.APIAddress, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsAddress != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddress)
		if err != nil {
			apiListener.Close()
			controller.Unsubscribe(subID)
			return fmt.Errorf("listen on %s: %w", cfg.MetricsAddress, err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Forward(gctx, events)
		return nil
	})
	if metricsListener != nil {
		g.Go(func() error {
			return serveMetrics(gctx, metricsListener)
		})
	}
	g.Go(func() error {
		log.Info().
			Str("addr", apiListener.Addr().String()).
			Str("publish_url", models.PublishURL(controllerOptions(cfg, settingsWatcher.Current()).ListenPort, cfg.ApplicationName)).
			Msg("Control API listening")
		if err := srv.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Control API shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading settings")
				settingsWatcher.Reload()
			case <-gctx.Done():
				return nil
			}
		}
	})

	waitErr := g.Wait()
	log.Info().Msg("Shutting down")

	controller.Unsubscribe(subID)
	if err := controller.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop relay cleanly")
	}

	log.Info().Msg("Server stopped")
	return waitErr
}
