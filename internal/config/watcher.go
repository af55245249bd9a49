package config

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/streamrelay/internal/models"
)

const (
	defaultWatchDebounce = 100 * time.Millisecond
	defaultWatchPoll     = 5 * time.Second
)

// SettingsWatcher monitors the settings file and reports changes. Changes
// only affect the next relay start; a running session is left alone.
type SettingsWatcher struct {
	store        *SettingsStore
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	lastModTime  time.Time
	debounce     time.Duration
	pollInterval time.Duration

	mu       sync.RWMutex
	current  Settings
	onChange func(Settings)
}

// NewSettingsWatcher creates a watcher for store's file.
func NewSettingsWatcher(store *SettingsStore) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &SettingsWatcher{
		store:        store,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		debounce:     defaultWatchDebounce,
		pollInterval: defaultWatchPoll,
	}

	if stat, err := os.Stat(store.Path()); err == nil {
		sw.lastModTime = stat.ModTime()
	}
	if settings, err := store.Load(); err == nil {
		sw.current = settings
	} else {
		log.Warn().Err(err).Str("path", store.Path()).Msg("Failed to read initial settings")
	}

	return sw, nil
}

// SetChangeCallback sets the function called after settings change.
func (sw *SettingsWatcher) SetChangeCallback(callback func(Settings)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.onChange = callback
}

// Current returns the last settings read.
func (sw *SettingsWatcher) Current() Settings {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.current
}

// Start begins watching the settings file.
func (sw *SettingsWatcher) Start() error {
	dir := filepath.Dir(sw.store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to create settings directory")
	}

	if err := sw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch settings directory")
		log.Warn().Msg("Falling back to polling for settings changes")
		go sw.pollForChanges()
		return nil
	}

	go sw.watchForChanges()
	log.Info().Str("settings_path", sw.store.Path()).Msg("Started watching settings file for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (sw *SettingsWatcher) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
		sw.watcher.Close()
	})
}

// Reload re-reads the settings file (e.g., from SIGHUP).
func (sw *SettingsWatcher) Reload() {
	sw.reload()
}

func (sw *SettingsWatcher) watchForChanges() {
	target := filepath.Base(sw.store.Path())
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(sw.debounce)
			log.Debug().Str("event", event.Op.String()).Msg("Detected settings file change")
			sw.reload()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Settings watcher error")

		case <-sw.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes
func (sw *SettingsWatcher) pollForChanges() {
	ticker := time.NewTicker(sw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(sw.store.Path()); err == nil {
				if stat.ModTime().After(sw.lastModTime) {
					log.Debug().Msg("Detected settings file change via polling")
					sw.lastModTime = stat.ModTime()
					sw.reload()
				}
			}

		case <-sw.stopChan:
			return
		}
	}
}

func (sw *SettingsWatcher) reload() {
	settings, err := sw.store.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read settings file")
		return
	}

	sw.mu.Lock()
	previous := sw.current
	changed := !sameSettings(previous, settings)
	if changed {
		sw.current = settings
	}
	callback := sw.onChange
	sw.mu.Unlock()

	if !changed {
		log.Debug().Msg("No relevant changes detected in settings file")
		return
	}

	// Only which platforms are enabled is logged, never the keys.
	log.Info().
		Strs("enabled", platformStrings(settings.EnabledPlatforms())).
		Int("local_port", settings.LocalPort).
		Msg("Applied settings file changes; they take effect on the next relay start")

	if callback != nil {
		callback(settings)
	}
}

func sameSettings(a, b Settings) bool {
	if a.LocalPort != b.LocalPort {
		return false
	}
	ea, eb := a.Keys.Enabled(), b.Keys.Enabled()
	return slices.EqualFunc(ea, eb, func(x, y models.PlatformCredential) bool {
		return x.Platform == y.Platform && x.Key == y.Key
	})
}

func platformStrings(ps []models.Platform) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}
