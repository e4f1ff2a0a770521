package tracker

import (
	"context"
	"time"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"
)

// emitLocked creates a notification, prepends it and raises notification_created.
func (e *Engine) emitLocked(fp *forum.Fingerprint, t *forum.Topic, kind forum.Kind, previous, current int, now time.Time) forum.Notification {
	title, slug := t.Title, t.Slug
	if title == "" {
		title = fp.Title
	}
	if slug == "" {
		slug = fp.Slug
	}

	n := forum.Notification{
		ID:        e.newID(),
		TopicID:   fp.ID,
		Kind:      kind,
		Title:     title,
		Slug:      slug,
		Delta:     current - previous,
		Previous:  previous,
		Current:   current,
		CreatedAt: now,
		URL:       forum.TopicURL(e.baseURL, slug, fp.ID),
	}

	e.notifications = append([]forum.Notification{n}, e.notifications...)
	metrics.NotificationsEmitted.WithLabelValues(string(kind)).Inc()

	e.logger.Info("Topic activity detected",
		"topic_id", n.TopicID,
		"kind", n.Kind,
		"previous", n.Previous,
		"current", n.Current,
		"title", n.Title)

	e.bus.publish(Event{Kind: EventNotificationCreated, Notification: &n})
	return n
}

// Notifications returns all unacknowledged notifications, most recent first.
func (e *Engine) Notifications() []forum.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]forum.Notification, len(e.notifications))
	copy(out, e.notifications)
	return out
}

// UnreadCount returns the number of unacknowledged notifications.
func (e *Engine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notifications)
}

// Acknowledge removes the notification with the given id.
func (e *Engine) Acknowledge(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	idx := -1
	for i := range e.notifications {
		if e.notifications[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false, nil
	}
	e.notifications = append(e.notifications[:idx:idx], e.notifications[idx+1:]...)
	e.changedLocked()
	e.mu.Unlock()

	return true, e.persist(ctx)
}

// AcknowledgeAll removes every notification and returns how many were removed.
func (e *Engine) AcknowledgeAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	n := len(e.notifications)
	if n == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	e.notifications = nil
	e.changedLocked()
	e.mu.Unlock()

	return n, e.persist(ctx)
}
