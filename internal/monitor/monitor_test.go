package monitor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/supervisor"
)

type fakeChecker struct {
	alive atomic.Bool
	calls atomic.Int32
}

func newFakeChecker(alive bool) *fakeChecker {
	c := &fakeChecker{}
	c.alive.Store(alive)
	return c
}

func (c *fakeChecker) IsAlive(*supervisor.Handle) bool {
	c.calls.Add(1)
	return c.alive.Load()
}

// gatedChecker blocks inside IsAlive until released.
type gatedChecker struct {
	once    sync.Once
	entered chan struct{}
	release chan bool
}

func (c *gatedChecker) IsAlive(*supervisor.Handle) bool {
	c.once.Do(func() { close(c.entered) })
	return <-c.release
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

func assertNoEvent(t *testing.T, ch <-chan models.StatusEvent, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s -> %s (%q)", ev.Previous, ev.New, ev.Detail)
	case <-time.After(wait):
	}
}

func testHandle() *supervisor.Handle {
	return &supervisor.Handle{ID: "session-1", PID: 4242, StartedAt: time.Now()}
}

func TestWatchEmitsRunning(t *testing.T) {
	m := New(newFakeChecker(true), WithPollInterval(10*time.Millisecond))
	_, events := m.Subscribe()

	require.NoError(t, m.Watch(testHandle()))
	t.Cleanup(m.Stop)

	ev := nextEvent(t, events)
	assert.Equal(t, models.StateIdle, ev.Previous)
	assert.Equal(t, models.StateRunning, ev.New)
	assert.Empty(t, ev.Detail)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, models.StateRunning, m.State())
}

func TestFailureReportedExactlyOnce(t *testing.T) {
	checker := newFakeChecker(true)
	m := New(checker, WithPollInterval(10*time.Millisecond))
	_, events := m.Subscribe()

	require.NoError(t, m.Watch(testHandle()))
	started := nextEvent(t, events)

	require.Eventually(t, func() bool { return checker.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	checker.alive.Store(false)

	ev := nextEvent(t, events)
	assert.Equal(t, models.StateRunning, ev.Previous)
	assert.Equal(t, models.StateFailed, ev.New)
	assert.Equal(t, FailureDetail, ev.Detail)
	assert.Greater(t, ev.ID, started.ID, "event IDs sort in emission order")

	assertNoEvent(t, events, 100*time.Millisecond)

	state, detail := m.Status()
	assert.Equal(t, models.StateFailed, state)
	assert.Equal(t, FailureDetail, detail)

	// Polling has stopped.
	calls := checker.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load())

	m.Stop()
	ev = nextEvent(t, events)
	assert.Equal(t, models.StateFailed, ev.Previous)
	assert.Equal(t, models.StateIdle, ev.New)
}

func TestStopDuringCheckNeverReportsFailure(t *testing.T) {
	checker := &gatedChecker{entered: make(chan struct{}), release: make(chan bool)}
	m := New(checker, WithPollInterval(10*time.Millisecond))
	_, events := m.Subscribe()

	require.NoError(t, m.Watch(testHandle()))
	nextEvent(t, events)

	select {
	case <-checker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never polled")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	// Let Stop cancel the loop, then report the process as gone.
	time.Sleep(50 * time.Millisecond)
	checker.release <- false

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	ev := nextEvent(t, events)
	assert.Equal(t, models.StateRunning, ev.Previous)
	assert.Equal(t, models.StateIdle, ev.New)
	assertNoEvent(t, events, 50*time.Millisecond)
	assert.Equal(t, models.StateIdle, m.State())
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(newFakeChecker(true), WithPollInterval(10*time.Millisecond))
	_, events := m.Subscribe()

	m.Stop()
	assertNoEvent(t, events, 20*time.Millisecond)

	require.NoError(t, m.Watch(testHandle()))
	nextEvent(t, events)

	m.Stop()
	m.Stop()
	ev := nextEvent(t, events)
	assert.Equal(t, models.StateIdle, ev.New)
	assertNoEvent(t, events, 30*time.Millisecond)
}

func TestWatchRules(t *testing.T) {
	checker := newFakeChecker(true)
	m := New(checker, WithPollInterval(10*time.Millisecond))
	_, events := m.Subscribe()

	err := m.Watch(nil)
	assert.ErrorIs(t, err, relayerrors.ErrNotRunning)

	require.NoError(t, m.Watch(testHandle()))
	nextEvent(t, events)

	err = m.Watch(testHandle())
	assert.ErrorIs(t, err, relayerrors.ErrAlreadyRunning)

	checker.alive.Store(false)
	assert.Equal(t, models.StateFailed, nextEvent(t, events).New)

	// A failed monitor can watch a replacement process.
	checker.alive.Store(true)
	require.NoError(t, m.Watch(testHandle()))
	ev := nextEvent(t, events)
	assert.Equal(t, models.StateFailed, ev.Previous)
	assert.Equal(t, models.StateRunning, ev.New)

	m.Stop()
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(4, 1)
	_, slow := b.Subscribe()
	fastID, fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(models.StatusEvent{New: models.StateRunning, Detail: string(rune('a' + i))})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Len(t, slow, 1)
	assert.Equal(t, "a", (<-slow).Detail)

	b.Unsubscribe(fastID)
	_, open := <-drain(fast)
	assert.False(t, open)
	assert.Equal(t, 1, b.subscriberCount())

	history := b.History()
	require.Len(t, history, 4)
	assert.Equal(t, "g", history[0].Detail)
	assert.Equal(t, "j", history[3].Detail)
}

func TestUnsubscribeUnknownID(t *testing.T) {
	b := NewBroadcaster(0, 0)
	b.Unsubscribe("missing")
	assert.Empty(t, b.History())
}

// drain consumes buffered events and returns the channel once closed.
func drain(ch <-chan models.StatusEvent) <-chan models.StatusEvent {
	for range ch {
	}
	return ch
}
