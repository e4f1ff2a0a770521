package tracker

import (
	"log/slog"
	"sync"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"
)

// EventKind identifies what changed.
type EventKind string

// Event kinds.
const (
	EventNotificationCreated    EventKind = "notification_created"
	EventRecommendationsChanged EventKind = "recommendations_changed"
)

// Event is delivered to subscribers after a state change.
type Event struct {
	Notification *forum.Notification    // Set for EventNotificationCreated
	Kind         EventKind
	Admitted     []forum.Recommendation // Newly admitted entries, if any
	Total        int                    // Recommendation count after the change
	Added        int
}

type subscriber struct {
	ch chan Event
}

// bus fans events out to subscribers without blocking the publisher.
type bus struct {
	logger *slog.Logger
	subs   map[*subscriber]struct{}
	mu     sync.Mutex
}

func newBus(logger *slog.Logger) *bus {
	return &bus{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// publish delivers ev to every subscriber with buffer room. Full subscribers
// miss the event.
func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			if b.logger != nil {
				b.logger.Warn("Event subscriber is full, dropping event", "kind", ev.Kind)
			}
		}
	}
}
