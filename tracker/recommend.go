package tracker

import (
	"context"
	"math"
	"sort"
	"time"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"
)

// Score ranks a candidate by freshness, engagement and reach.
func Score(t *forum.Topic, now time.Time) float64 {
	ageMinutes := math.Max(0, now.Sub(t.LastPostedAt).Minutes())
	timeFactor := math.Max(0, (30-ageMinutes)/30)
	engagement := float64(t.PostsCount+2*t.LikeCount) * 0.3
	reach := math.Log10(float64(t.Views)+1) * 20
	return timeFactor*50 + engagement + reach
}

// Evaluate admits fresh, untracked, never-surfaced candidates into the
// recommendation list and returns the newly admitted entries.
// Evaluate does not persist; callers batch a Save after a pass.
func (e *Engine) Evaluate(candidates []*forum.Topic) []forum.Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(candidates, e.now())
}

func (e *Engine) evaluateLocked(candidates []*forum.Topic, now time.Time) []forum.Recommendation {
	if e.ledger.expire(now) {
		e.logger.Info("Recommendation ledger reset", "ttl", e.ledger.ttl)
		e.changedLocked()
	}

	listed := make(map[int64]bool, len(e.recommendations))
	for i := range e.recommendations {
		listed[e.recommendations[i].ID] = true
	}

	var admitted []forum.Recommendation
	for _, t := range candidates {
		if t == nil || t.ID == 0 {
			continue
		}
		if _, tracked := e.fingerprints[t.ID]; tracked {
			continue
		}
		if e.ledger.has(t.ID) || listed[t.ID] {
			continue
		}
		if t.LastPostedAt.IsZero() || now.Sub(t.LastPostedAt) > e.window {
			continue
		}

		rec := forum.Recommendation{
			ID:           t.ID,
			Title:        t.Title,
			Slug:         t.Slug,
			CategoryName: t.CategoryName,
			Excerpt:      t.Excerpt,
			URL:          forum.TopicURL(e.baseURL, t.Slug, t.ID),
			PostsCount:   t.PostsCount,
			LikeCount:    t.LikeCount,
			Views:        t.Views,
			LastPostedAt: t.LastPostedAt,
			AdmittedAt:   now,
			Score:        Score(t, now),
		}
		e.ledger.mark(t.ID)
		listed[t.ID] = true
		admitted = append(admitted, rec)
	}

	if len(admitted) == 0 {
		return nil
	}

	e.recommendations = append(e.recommendations, admitted...)
	sort.SliceStable(e.recommendations, func(i, j int) bool {
		return e.recommendations[i].LastPostedAt.After(e.recommendations[j].LastPostedAt)
	})
	e.changedLocked()
	metrics.RecommendationsAdmitted.Add(float64(len(admitted)))

	e.logger.Info("Recommendations admitted", "added", len(admitted), "total", len(e.recommendations))

	e.bus.publish(Event{
		Kind:     EventRecommendationsChanged,
		Total:    len(e.recommendations),
		Added:    len(admitted),
		Admitted: admitted,
	})
	return admitted
}

// Recommendations returns the current list, most recently active first.
func (e *Engine) Recommendations() []forum.Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]forum.Recommendation, len(e.recommendations))
	copy(out, e.recommendations)
	return out
}

// Dismiss removes one recommendation. The topic stays in the ledger, so it
// is not recommended again within the current epoch.
func (e *Engine) Dismiss(ctx context.Context, id int64) (bool, error) {
	e.mu.Lock()
	idx := -1
	for i := range e.recommendations {
		if e.recommendations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false, nil
	}
	e.recommendations = append(e.recommendations[:idx:idx], e.recommendations[idx+1:]...)
	e.changedLocked()
	e.mu.Unlock()

	return true, e.persist(ctx)
}

// ClearRecommendations empties the list and starts a new ledger epoch,
// making every topic eligible again. It returns how many entries were removed.
func (e *Engine) ClearRecommendations(ctx context.Context) (int, error) {
	e.mu.Lock()
	n := len(e.recommendations)
	e.recommendations = nil
	e.ledger.clear(e.now())
	e.changedLocked()
	e.mu.Unlock()

	e.bus.publish(Event{Kind: EventRecommendationsChanged})
	return n, e.persist(ctx)
}
