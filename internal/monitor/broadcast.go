package monitor

import (
	"container/ring"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/streamrelay/internal/metrics"
	"github.com/rcourtman/streamrelay/internal/models"
)

const (
	// DefaultHistorySize is the number of recent events kept in memory.
	DefaultHistorySize = 32
	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 16
)

// Broadcaster fans status events out to subscribers without ever blocking
// the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	history     *ring.Ring
	subscribers map[string]chan models.StatusEvent
	bufferSize  int
}

func NewBroadcaster(historySize, bufferSize int) *Broadcaster {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		history:     ring.New(historySize),
		subscribers: make(map[string]chan models.StatusEvent),
		bufferSize:  bufferSize,
	}
}

// Publish records ev and delivers it to every subscriber with room for it.
func (b *Broadcaster) Publish(ev models.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.Value = ev
	b.history = b.history.Next()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			metrics.RecordEventDropped()
			log.Warn().
				Str("subscriber", id).
				Str("state", string(ev.New)).
				Msg("Status subscriber not keeping up, dropping event")
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed by Unsubscribe.
func (b *Broadcaster) Subscribe() (string, <-chan models.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan models.StatusEvent, b.bufferSize)
	b.subscribers[id] = ch
	metrics.RecordSubscriberAdded()
	return id, ch
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		metrics.RecordSubscriberRemoved()
	}
}

// History returns the most recent events, oldest first.
func (b *Broadcaster) History() []models.StatusEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []models.StatusEvent
	b.history.Do(func(v any) {
		if ev, ok := v.(models.StatusEvent); ok {
			out = append(out, ev)
		}
	})
	return out
}

func (b *Broadcaster) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
