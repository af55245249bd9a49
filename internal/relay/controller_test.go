package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/monitor"
	"github.com/rcourtman/streamrelay/internal/supervisor"
)

type fakeSupervisor struct {
	mu          sync.Mutex
	mon         *monitor.Monitor
	startErr    error
	stopErr     error
	stopGate    chan struct{}
	configs     []string
	secrets     [][]string
	alive       map[*supervisor.Handle]bool
	stopped     []*supervisor.Handle
	stateAtStop []models.SessionState
	transcoders []models.TranscoderStatus
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{alive: make(map[*supervisor.Handle]bool)}
}

func (f *fakeSupervisor) Start(configText string, secrets ...string) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.configs = append(f.configs, configText)
	f.secrets = append(f.secrets, secrets)
	h := &supervisor.Handle{
		ID:        fmt.Sprintf("session-%d", len(f.configs)),
		PID:       1000 + len(f.configs),
		StartedAt: time.Now(),
	}
	f.alive[h] = true
	return h, nil
}

func (f *fakeSupervisor) Stop(h *supervisor.Handle, timeout time.Duration) error {
	if f.stopGate != nil {
		<-f.stopGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mon != nil {
		f.stateAtStop = append(f.stateAtStop, f.mon.State())
	}
	f.alive[h] = false
	f.stopped = append(f.stopped, h)
	return f.stopErr
}

func (f *fakeSupervisor) IsAlive(h *supervisor.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h]
}

func (f *fakeSupervisor) Transcoders(ctx context.Context, h *supervisor.Handle) ([]models.TranscoderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcoders, nil
}

func (f *fakeSupervisor) kill(h *supervisor.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[h] = false
}

func (f *fakeSupervisor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

type harness struct {
	ctrl   *Controller
	sup    *fakeSupervisor
	mon    *monitor.Monitor
	events <-chan models.StatusEvent
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	sup := newFakeSupervisor()
	mon := monitor.New(sup, monitor.WithPollInterval(10*time.Millisecond))
	sup.mon = mon
	ctrl := NewController(opts, sup, mon)
	_, events := ctrl.Subscribe()
	t.Cleanup(func() { _ = ctrl.Stop() })
	return &harness{ctrl: ctrl, sup: sup, mon: mon, events: events}
}

func nextEvent(t *testing.T, ch <-chan models.StatusEvent) models.StatusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
	return models.StatusEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan models.StatusEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s -> %s", ev.Previous, ev.New)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.sup.transcoders = []models.TranscoderStatus{{Platform: models.PlatformTwitch, PID: 77, Running: true}}

	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "live_abc123"}))

	ev := nextEvent(t, h.events)
	assert.Equal(t, models.StateIdle, ev.Previous)
	assert.Equal(t, models.StateRunning, ev.New)

	require.Equal(t, 1, h.sup.startCount())
	assert.Contains(t, h.sup.configs[0], "application twitch {")
	assert.Contains(t, h.sup.configs[0], "listen 1935;")
	assert.Contains(t, h.sup.secrets[0], "live_abc123")

	status := h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, models.StateRunning, status.State)
	assert.Equal(t, []models.Platform{models.PlatformTwitch}, status.Platforms)
	assert.Equal(t, 1935, status.ListenPort)
	assert.Equal(t, "rtmp://localhost:1935/live", status.IngestURL)
	assert.Equal(t, "session-1", status.ID)
	assert.Equal(t, 1001, status.PID)
	assert.Len(t, status.Transcoders, 1)

	require.NoError(t, h.ctrl.Stop())

	ev = nextEvent(t, h.events)
	assert.Equal(t, models.StateRunning, ev.Previous)
	assert.Equal(t, models.StateIdle, ev.New)
	assertNoEvent(t, h.events)

	// The monitor was already idle when the process was asked to stop.
	assert.Equal(t, []models.SessionState{models.StateIdle}, h.sup.stateAtStop)
	assert.Equal(t, models.StateIdle, h.ctrl.CurrentStatus(context.Background()).State)
}

func TestStartWithoutPlatformsSpawnsNothing(t *testing.T) {
	tests := []struct {
		name  string
		creds models.CredentialSet
	}{
		{name: "nil", creds: nil},
		{name: "empty", creds: models.CredentialSet{}},
		{name: "blank keys", creds: models.CredentialSet{models.PlatformTwitch: "", models.PlatformKick: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})

			err := h.ctrl.Start(tt.creds)
			require.Error(t, err)
			assert.ErrorIs(t, err, relayerrors.ErrNoPlatformsConfigured)
			assert.Equal(t, relayerrors.KindConfiguration, relayerrors.KindOf(err))
			assert.Zero(t, h.sup.startCount())
			assertNoEvent(t, h.events)

			status := h.ctrl.CurrentStatus(context.Background())
			assert.Equal(t, models.StateIdle, status.State)
			assert.NotEmpty(t, status.LastError)
		})
	}
}

func TestStartRejectsInvalidCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds models.CredentialSet
		want  error
	}{
		{
			name:  "control character in key",
			creds: models.CredentialSet{models.PlatformTwitch: "sec\nret"},
			want:  relayerrors.ErrInvalidStreamKey,
		},
		{
			name:  "unknown platform",
			creds: models.CredentialSet{models.Platform("myspace"): "secret"},
			want:  relayerrors.ErrUnsupportedPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})

			err := h.ctrl.Start(tt.creds)
			assert.ErrorIs(t, err, tt.want)
			assert.NotContains(t, err.Error(), "sec")
			assert.Zero(t, h.sup.startCount())
		})
	}
}

func TestStartRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t, Options{ApplicationName: "twitch"})

	err := h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"})
	assert.ErrorIs(t, err, relayerrors.ErrInvalidConfig)
	assert.Zero(t, h.sup.startCount())
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, Options{})
	creds := models.CredentialSet{models.PlatformYouTube: "yt-key"}

	require.NoError(t, h.ctrl.Start(creds))
	nextEvent(t, h.events)

	err := h.ctrl.Start(creds)
	assert.ErrorIs(t, err, relayerrors.ErrAlreadyRunning)
	assert.Equal(t, 1, h.sup.startCount())
	assert.Equal(t, models.StateRunning, h.ctrl.CurrentStatus(context.Background()).State)
}

func TestUnexpectedExitThenRestart(t *testing.T) {
	h := newHarness(t, Options{})
	creds := models.CredentialSet{models.PlatformKick: "kick-key"}

	require.NoError(t, h.ctrl.Start(creds))
	nextEvent(t, h.events)

	first := h.sup.stopped
	require.Empty(t, first)
	h.sup.kill(findHandle(t, h.sup, "session-1"))

	ev := nextEvent(t, h.events)
	assert.Equal(t, models.StateFailed, ev.New)
	assert.Equal(t, monitor.FailureDetail, ev.Detail)

	status := h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, monitor.FailureDetail, status.LastError)
	assert.Empty(t, status.Transcoders)

	// A failed session is replaced by the next Start.
	require.NoError(t, h.ctrl.Start(creds))
	assert.Equal(t, models.StateIdle, nextEvent(t, h.events).New)
	assert.Equal(t, models.StateRunning, nextEvent(t, h.events).New)
	assert.Equal(t, 2, h.sup.startCount())
	require.Len(t, h.sup.stopped, 1)
	assert.Equal(t, "session-1", h.sup.stopped[0].ID)

	status = h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, models.StateRunning, status.State)
	assert.Equal(t, "session-2", status.ID)
	assert.Empty(t, status.LastError)
}

func TestStartSupervisorFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.sup.startErr = relayerrors.NewProcessError("locate_executable", relayerrors.ErrExecutableNotFound)

	err := h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"})
	assert.ErrorIs(t, err, relayerrors.ErrExecutableNotFound)
	assertNoEvent(t, h.events)

	status := h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, models.StateIdle, status.State)
	assert.Contains(t, status.LastError, "executable not found")

	// Nothing is left behind blocking the next attempt.
	h.sup.startErr = nil
	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"}))
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.Stop())
	assertNoEvent(t, h.events)
	assert.Empty(t, h.sup.stopped)
}

func TestStopReportsSupervisorError(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"}))
	nextEvent(t, h.events)

	h.sup.stopErr = relayerrors.NewProcessError("stop", relayerrors.ErrStopTimeoutExceeded)
	err := h.ctrl.Stop()
	assert.ErrorIs(t, err, relayerrors.ErrStopTimeoutExceeded)

	status := h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, models.StateIdle, status.State)
	assert.NotEmpty(t, status.LastError)

	h.sup.stopErr = nil
	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"}))
}

func TestCurrentStatusDuringStop(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"}))
	nextEvent(t, h.events)

	h.sup.stopGate = make(chan struct{})
	stopped := make(chan error, 1)
	go func() { stopped <- h.ctrl.Stop() }()

	require.Eventually(t, func() bool {
		return h.ctrl.CurrentStatus(context.Background()).State == models.StateStopping
	}, time.Second, 5*time.Millisecond)

	close(h.sup.stopGate)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, models.StateIdle, h.ctrl.CurrentStatus(context.Background()).State)
}

func TestOptionsReachGeneratedConfig(t *testing.T) {
	h := newHarness(t, Options{
		ListenPort:               19350,
		ApplicationName:          "obs",
		TranscoderPath:           "/opt/ffmpeg/bin/ffmpeg",
		RestrictIngestToLoopback: true,
		IngestURLs:               map[models.Platform]string{models.PlatformKick: "rtmps://fa723fc1b171.global-contribute.live-video.net/app/"},
	})

	require.NoError(t, h.ctrl.Start(models.CredentialSet{
		models.PlatformKick:   "sk_us-west-2_abc",
		models.PlatformTwitch: "live_1",
	}))

	text := h.sup.configs[0]
	assert.Contains(t, text, "listen 19350;")
	assert.Contains(t, text, "application obs {")
	assert.Contains(t, text, `"/opt/ffmpeg/bin/ffmpeg"`)
	assert.Contains(t, text, "rtmps://fa723fc1b171.global-contribute.live-video.net/app/sk_us-west-2_abc")
	assert.Less(t, strings.Index(text, "application twitch"), strings.Index(text, "application kick"))

	status := h.ctrl.CurrentStatus(context.Background())
	assert.Equal(t, []models.Platform{models.PlatformTwitch, models.PlatformKick}, status.Platforms)
	assert.Equal(t, "rtmp://localhost:19350/obs", status.IngestURL)
}

func TestSetOptionsAppliesOnNextStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.ctrl.SetOptions(Options{ListenPort: 2935})

	require.NoError(t, h.ctrl.Start(models.CredentialSet{models.PlatformTwitch: "abc"}))
	assert.Contains(t, h.sup.configs[0], "listen 2935;")
}

func findHandle(t *testing.T, f *fakeSupervisor, id string) *supervisor.Handle {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.alive {
		if h.ID == id {
			return h
		}
	}
	t.Fatalf("no handle %s", id)
	return nil
}
