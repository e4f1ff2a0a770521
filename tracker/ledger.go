package tracker

import (
	"sort"
	"time"
)

// ledger is the set of topic ids already surfaced as recommendations.
// Membership only grows within an epoch; the whole set is cleared when the
// epoch exceeds ttl or on an explicit clear.
// TODO: replace the full reset with per-id expiry so long-running instances
// stop re-recommending everything at once each day.
type ledger struct {
	lastReset time.Time
	set       map[int64]struct{}
	ttl       time.Duration
}

func newLedger(ttl time.Duration, now time.Time) *ledger {
	return &ledger{
		set:       make(map[int64]struct{}),
		ttl:       ttl,
		lastReset: now,
	}
}

func (l *ledger) has(id int64) bool {
	_, ok := l.set[id]
	return ok
}

func (l *ledger) mark(id int64) {
	l.set[id] = struct{}{}
}

func (l *ledger) len() int {
	return len(l.set)
}

func (l *ledger) clear(now time.Time) {
	l.set = make(map[int64]struct{})
	l.lastReset = now
}

// expire starts a new epoch if the current one is older than ttl.
func (l *ledger) expire(now time.Time) bool {
	if now.Sub(l.lastReset) <= l.ttl {
		return false
	}
	l.clear(now)
	return true
}

func (l *ledger) ids() []int64 {
	ids := make([]int64, 0, len(l.set))
	for id := range l.set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *ledger) restore(ids []int64, lastReset time.Time) {
	l.set = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		l.set[id] = struct{}{}
	}
	l.lastReset = lastReset
}
