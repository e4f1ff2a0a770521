package tracker

import (
	"context"
	"fmt"
	"time"

	"topic-tracker/pkg/forum"
)

// ReadLister pages through the user's "already read" topics.
type ReadLister interface {
	ListRead(ctx context.Context, page int) ([]*forum.Topic, bool, error)
}

// WalkResult summarises one hydrate or resync walk.
type WalkResult struct {
	Pages int `json:"pages"`
	Seen  int `json:"seen"`
	Added int `json:"added"`
}

// Fingerprint returns a copy of the stored fingerprint for id.
func (e *Engine) Fingerprint(id int64) (forum.Fingerprint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fp, ok := e.fingerprints[id]
	if !ok {
		return forum.Fingerprint{}, false
	}
	return *fp, true
}

// Fingerprints returns copies of all fingerprints in insertion order.
func (e *Engine) Fingerprints() []forum.Fingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]forum.Fingerprint, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.fingerprints[id])
	}
	return out
}

// TrackedIDs returns the ids of all tracked topics in insertion order.
func (e *Engine) TrackedIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, len(e.order))
	copy(ids, e.order)
	return ids
}

// Size returns the number of tracked topics.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fingerprints)
}

// Track inserts a baseline fingerprint for t unless one already exists.
// It reports whether a fingerprint was added.
func (e *Engine) Track(t *forum.Topic) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.insertLocked(t, e.now()) {
		return false
	}
	e.changedLocked()
	return true
}

func (e *Engine) insertLocked(t *forum.Topic, now time.Time) bool {
	if t == nil || t.ID == 0 {
		return false
	}
	if _, ok := e.fingerprints[t.ID]; ok {
		return false
	}
	e.fingerprints[t.ID] = forum.NewFingerprint(t, now)
	e.order = append(e.order, t.ID)
	return true
}

// Hydrate bootstraps an empty store from the "already read" listing,
// walking at most 20 pages.
func (e *Engine) Hydrate(ctx context.Context, src ReadLister) (WalkResult, error) {
	return e.walkRead(ctx, src, "hydrate", hydratePageCap)
}

// Resync adds "already read" topics that were not yet tracked, walking at
// most 50 pages.
func (e *Engine) Resync(ctx context.Context, src ReadLister) (WalkResult, error) {
	return e.walkRead(ctx, src, "resync", resyncPageCap)
}

// walkRead pages through the read listing inserting unseen topics. A page
// failure ends the walk; insertions already applied are kept and persisted.
func (e *Engine) walkRead(ctx context.Context, src ReadLister, op string, pageCap int) (WalkResult, error) {
	var res WalkResult
	start := time.Now()

	e.logger.Info("Read listing walk starting", "op", op, "page_cap", pageCap, "tracked", e.Size())

	var walkErr error
	for page := 0; page < pageCap; page++ {
		if page > 0 {
			if err := sleep(ctx, e.pageDelay); err != nil {
				walkErr = err
				break
			}
		}

		topics, more, err := src.ListRead(ctx, page)
		if err != nil {
			walkErr = fmt.Errorf("%s page %d: %w", op, page, err)
			break
		}
		res.Pages++

		e.mu.Lock()
		now := e.now()
		added := 0
		for _, t := range topics {
			res.Seen++
			if e.insertLocked(t, now) {
				added++
			}
		}
		if added > 0 {
			res.Added += added
			e.changedLocked()
		}
		e.mu.Unlock()

		if !more {
			break
		}
	}

	if err := e.Save(ctx); err != nil {
		e.logger.Warn("Failed to persist after read walk", "op", op, "error", err)
		if walkErr == nil {
			walkErr = err
		}
	}

	e.logger.Info("Read listing walk completed",
		"op", op,
		"pages", res.Pages,
		"seen", res.Seen,
		"added", res.Added,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", walkErr)
	return res, walkErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
