package email

import (
	"context"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/tracker"
)

// DefaultDigestInterval is how often pending activity is flushed.
const DefaultDigestInterval = 10 * time.Minute

// Digest is the activity collected between two flushes.
type Digest struct {
	Notifications   []forum.Notification
	Recommendations []forum.Recommendation
}

// Add folds an engine event into the digest.
func (d *Digest) Add(ev tracker.Event) {
	switch ev.Kind {
	case tracker.EventNotificationCreated:
		if ev.Notification != nil {
			d.Notifications = append(d.Notifications, *ev.Notification)
		}
	case tracker.EventRecommendationsChanged:
		d.Recommendations = append(d.Recommendations, ev.Admitted...)
	}
}

// Empty reports whether there is nothing to send.
func (d *Digest) Empty() bool {
	return len(d.Notifications) == 0 && len(d.Recommendations) == 0
}

// Run consumes events until ctx is done or events is closed, sending a digest
// every interval when something is pending. Pending activity is flushed once
// more on exit. A failed send keeps the activity for the next flush.
func (s *Sender) Run(ctx context.Context, events <-chan tracker.Event, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDigestInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := &Digest{}
	flush := func(ctx context.Context) {
		if pending.Empty() {
			return
		}
		if err := s.SendDigest(ctx, pending); err != nil {
			s.logger.Error("Failed to send digest email, will retry next interval",
				"notifications", len(pending.Notifications),
				"error", err)
			return
		}
		pending = &Digest{}
	}

	for {
		select {
		case <-ctx.Done():
			drain(pending, events)
			// Final flush gets its own short deadline.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			flush(flushCtx)
			cancel()
			return
		case ev, ok := <-events:
			if !ok {
				flush(ctx)
				return
			}
			pending.Add(ev)
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// drain adds events already buffered in the channel without waiting for more.
func drain(d *Digest, events <-chan tracker.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Add(ev)
		default:
			return
		}
	}
}
