package tracker

import (
	"context"
	"time"

	"topic-tracker/pkg/forum"
)

// Reconcile diffs an observed topic against its fingerprint, emitting a
// notification for each counter that grew. Untracked topics yield nothing.
// Reconcile does not persist; callers batch a Save after a pass.
func (e *Engine) Reconcile(t *forum.Topic) []forum.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(t, e.now())
}

func (e *Engine) reconcileLocked(t *forum.Topic, now time.Time) []forum.Notification {
	fp, ok := e.fingerprints[t.ID]
	if !ok {
		return nil
	}

	var out []forum.Notification

	// Non-positive deltas are absorbed: counters are never decremented here.
	if delta := t.PostsCount - fp.PostsCount; delta > 0 {
		out = append(out, e.emitLocked(fp, t, forum.KindNewReply, fp.PostsCount, t.PostsCount, now))
		fp.PostsCount = t.PostsCount
	}
	if delta := t.LikeCount - fp.LikeCount; delta > 0 {
		out = append(out, e.emitLocked(fp, t, forum.KindNewLike, fp.LikeCount, t.LikeCount, now))
		fp.LikeCount = t.LikeCount
	}

	if t.Title != "" {
		fp.Title = t.Title
	}
	if t.Slug != "" {
		fp.Slug = t.Slug
	}
	if t.CategoryName != "" {
		fp.CategoryName = t.CategoryName
	}
	if t.LastPostedAt.After(fp.LastPostedAt) {
		fp.LastPostedAt = t.LastPostedAt
	}
	fp.LastCheckedAt = now

	e.changedLocked()
	return out
}

// ListingResult summarises one applied listing.
type ListingResult struct {
	Notifications []forum.Notification
	Admitted      []forum.Recommendation
	Tracked       int
	Untracked     int
}

// ApplyListing applies a complete fast-scan listing: tracked topics are
// reconciled first, then untracked ones are evaluated as one candidate batch.
// The resulting state is persisted.
func (e *Engine) ApplyListing(ctx context.Context, topics []*forum.Topic) (ListingResult, error) {
	var res ListingResult

	e.mu.Lock()
	now := e.now()
	var tracked, candidates []*forum.Topic
	for _, t := range topics {
		if _, ok := e.fingerprints[t.ID]; ok {
			tracked = append(tracked, t)
		} else {
			candidates = append(candidates, t)
		}
	}
	for _, t := range tracked {
		res.Notifications = append(res.Notifications, e.reconcileLocked(t, now)...)
	}
	res.Admitted = e.evaluateLocked(candidates, now)
	res.Tracked = len(tracked)
	res.Untracked = len(candidates)
	e.mu.Unlock()

	return res, e.Save(ctx)
}
