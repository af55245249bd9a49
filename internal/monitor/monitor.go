package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/metrics"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/supervisor"
)

// DefaultPollInterval is how often liveness is checked.
const DefaultPollInterval = 5 * time.Second

// FailureDetail is the detail attached to the running to failed transition.
var FailureDetail = relayerrors.ErrProcessExited.Error()

// LivenessChecker reports whether a supervised process is still running.
type LivenessChecker interface {
	IsAlive(h *supervisor.Handle) bool
}

// Monitor polls a supervised process and publishes state transitions.
// States are idle, running and failed. It never restarts anything.
type Monitor struct {
	checker  LivenessChecker
	interval time.Duration
	events   *Broadcaster
	now      func() time.Time

	mu       sync.Mutex
	state    models.SessionState
	detail   string
	handle   *supervisor.Handle
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBroadcaster shares an existing event broadcaster.
func WithBroadcaster(b *Broadcaster) Option {
	return func(m *Monitor) {
		if b != nil {
			m.events = b
		}
	}
}

func New(checker LivenessChecker, opts ...Option) *Monitor {
	m := &Monitor{
		checker:  checker,
		interval: DefaultPollInterval,
		now:      time.Now,
		state:    models.StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = NewBroadcaster(DefaultHistorySize, DefaultSubscriberBuffer)
	}
	return m
}

// Watch starts polling h. A failed monitor may watch again; a running one may not.
func (m *Monitor) Watch(h *supervisor.Handle) error {
	if h == nil {
		return relayerrors.NewProcessError("watch", relayerrors.ErrNotRunning)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == models.StateRunning {
		return relayerrors.NewProcessError("watch", relayerrors.ErrAlreadyRunning)
	}
	if m.cancel != nil {
		m.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.handle = h
	m.cancel = cancel
	m.loopDone = done
	m.transition(models.StateRunning, "")

	go m.run(ctx, h, done)

	log.Debug().
		Str("session", h.ID).
		Dur("interval", m.interval).
		Msg("Relay monitor watching media server")
	return nil
}

// Stop cancels polling, waits for the loop to exit and returns to idle.
// No failure is reported for a process stopped after this returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	done := m.loopDone
	m.loopDone = nil
	m.mu.Unlock()

	if done != nil {
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = nil
	m.transition(models.StateIdle, "")
}

// State returns the current monitor state.
func (m *Monitor) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state and the detail of the last transition.
func (m *Monitor) Status() (models.SessionState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.detail
}

func (m *Monitor) Subscribe() (string, <-chan models.StatusEvent) {
	return m.events.Subscribe()
}

func (m *Monitor) Unsubscribe(id string) {
	m.events.Unsubscribe(id)
}

// History returns recently published events, oldest first.
func (m *Monitor) History() []models.StatusEvent {
	return m.events.History()
}

func (m *Monitor) run(ctx context.Context, h *supervisor.Handle, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	exited := h.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-exited:
			exited = nil
		}
		if m.check(ctx, h) {
			return
		}
	}
}

// check returns true when polling should end.
func (m *Monitor) check(ctx context.Context, h *supervisor.Handle) bool {
	if ctx.Err() != nil {
		return true
	}
	if m.checker.IsAlive(h) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Stop may have cancelled between the liveness check and taking the lock.
	if ctx.Err() != nil || m.handle != h || m.state != models.StateRunning {
		return true
	}

	m.transition(models.StateFailed, FailureDetail)
	metrics.RecordFailure()

	event := log.Error().Str("session", h.ID).Int("pid", h.PID)
	if err := h.ExitErr(); err != nil {
		event = event.Err(err)
	}
	event.Msg("Media server exited unexpectedly")
	return true
}

// transition must be called with m.mu held.
func (m *Monitor) transition(next models.SessionState, detail string) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.detail = detail

	now := m.now().UTC()
	m.events.Publish(models.StatusEvent{
		ID:        ulid.Make().String(),
		Timestamp: now,
		Previous:  prev,
		New:       next,
		Detail:    detail,
	})

	log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Relay state changed")
}
