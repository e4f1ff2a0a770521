// Package tracker is the tracking, diffing and recommendation engine.
//
// An Engine owns the fingerprint store, the dedup ledger, the notification
// collection and the recommendation list. All of them are guarded by a single
// mutex; network fetches happen outside it and only their results are applied
// under it. Every mutation bumps a version counter, and Save writes the four
// state blobs only when the version moved past what was last written.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"

	"github.com/google/uuid"
)

const (
	// DefaultRecommendationWindow is how recent a candidate's last activity must be.
	DefaultRecommendationWindow = 18 * time.Minute
	// DefaultLedgerTTL is how long a ledger epoch lasts before a full reset.
	DefaultLedgerTTL = 24 * time.Hour
	// DefaultPageDelay separates successive "already read" page fetches.
	DefaultPageDelay = 500 * time.Millisecond

	hydratePageCap = 20
	resyncPageCap  = 50
)

// Blob keys.
const (
	keyFingerprints    = "fingerprints"
	keyNotifications   = "notifications"
	keyRecommendations = "recommendations"
	keyLedger          = "ledger"
)

// Persister stores named JSON blobs.
type Persister interface {
	Load(ctx context.Context, key string, v any) error
	Save(ctx context.Context, key string, v any) error
}

// IsNotFound checks if a Persister error means the blob was never written.
type IsNotFound func(error) bool

// Config holds engine configuration.
type Config struct {
	Store                Persister
	IsNotFound           IsNotFound
	Logger               *slog.Logger
	Now                  func() time.Time // Defaults to time.Now
	BaseURL              string           // Forum root for notification links
	RecommendationWindow time.Duration
	LedgerTTL            time.Duration
	PageDelay            time.Duration
}

// Engine holds all tracking state for one running instance.
type Engine struct {
	mu              sync.Mutex
	fingerprints    map[int64]*forum.Fingerprint
	order           []int64 // Insertion order of fingerprints
	ledger          *ledger
	notifications   []forum.Notification // Most recent first
	recommendations []forum.Recommendation
	version         uint64

	saveMu       sync.Mutex
	savedVersion uint64

	bus        *bus
	store      Persister
	isNotFound IsNotFound
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	baseURL    string
	window     time.Duration
	pageDelay  time.Duration
}

// New creates an empty engine. Call Load to restore persisted state.
func New(cfg *Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	window := cfg.RecommendationWindow
	if window <= 0 {
		window = DefaultRecommendationWindow
	}
	ttl := cfg.LedgerTTL
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	pageDelay := cfg.PageDelay
	if pageDelay < 0 {
		pageDelay = 0
	}
	return &Engine{
		fingerprints: make(map[int64]*forum.Fingerprint),
		ledger:       newLedger(ttl, now()),
		bus:          newBus(cfg.Logger),
		store:        cfg.Store,
		isNotFound:   cfg.IsNotFound,
		logger:       cfg.Logger,
		now:          now,
		newID:        uuid.NewString,
		baseURL:      cfg.BaseURL,
		window:       window,
		pageDelay:    pageDelay,
	}
}

// Subscribe registers for engine events. The returned cancel function
// unregisters and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.subscribe(buffer)
}

// Stats is a point-in-time summary of engine state.
type Stats struct {
	LedgerReset     time.Time `json:"ledger_reset"`
	Tracked         int       `json:"tracked"`
	Notifications   int       `json:"notifications"`
	Recommendations int       `json:"recommendations"`
	Ledger          int       `json:"ledger"`
	Version         uint64    `json:"version"`
}

// Stats returns current collection sizes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Tracked:         len(e.fingerprints),
		Notifications:   len(e.notifications),
		Recommendations: len(e.recommendations),
		Ledger:          e.ledger.len(),
		LedgerReset:     e.ledger.lastReset,
		Version:         e.version,
	}
}

// changedLocked records a mutation. Callers hold e.mu.
func (e *Engine) changedLocked() {
	e.version++
	metrics.TrackedTopics.Set(float64(len(e.fingerprints)))
	metrics.PendingNotifications.Set(float64(len(e.notifications)))
	metrics.Recommendations.Set(float64(len(e.recommendations)))
	metrics.LedgerSize.Set(float64(e.ledger.len()))
}

type fingerprintEntry struct {
	Fingerprint *forum.Fingerprint `json:"fingerprint"`
	ID          int64              `json:"id"`
}

type fingerprintBlob struct {
	SavedAt time.Time          `json:"saved_at"`
	Entries []fingerprintEntry `json:"entries"`
}

type ledgerBlob struct {
	LastReset time.Time `json:"last_reset"`
	IDs       []int64   `json:"ids"`
}

// Load restores all four state blobs. A missing blob is an empty initial state.
func (e *Engine) Load(ctx context.Context) error {
	var fps fingerprintBlob
	if err := e.load(ctx, keyFingerprints, &fps); err != nil {
		return err
	}
	var notifications []forum.Notification
	if err := e.load(ctx, keyNotifications, &notifications); err != nil {
		return err
	}
	var recommendations []forum.Recommendation
	if err := e.load(ctx, keyRecommendations, &recommendations); err != nil {
		return err
	}
	var lb ledgerBlob
	if err := e.load(ctx, keyLedger, &lb); err != nil {
		return err
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fingerprints = make(map[int64]*forum.Fingerprint, len(fps.Entries))
	e.order = e.order[:0]
	for _, entry := range fps.Entries {
		if entry.Fingerprint == nil || entry.ID == 0 {
			continue
		}
		if _, dup := e.fingerprints[entry.ID]; dup {
			continue
		}
		fp := *entry.Fingerprint
		fp.ID = entry.ID
		e.fingerprints[entry.ID] = &fp
		e.order = append(e.order, entry.ID)
	}
	e.notifications = notifications
	e.recommendations = recommendations

	lastReset := lb.LastReset
	if lastReset.IsZero() {
		lastReset = e.now()
	}
	e.ledger.restore(lb.IDs, lastReset)

	e.changedLocked()
	e.savedVersion = e.version

	e.logger.Info("Tracker state loaded",
		"fingerprints", len(e.fingerprints),
		"notifications", len(e.notifications),
		"recommendations", len(e.recommendations),
		"ledger", e.ledger.len())
	return nil
}

func (e *Engine) load(ctx context.Context, key string, v any) error {
	err := e.store.Load(ctx, key, v)
	if err == nil {
		return nil
	}
	if e.isNotFound != nil && e.isNotFound(err) {
		e.logger.Debug("No persisted state, starting empty", "key", key)
		return nil
	}
	return fmt.Errorf("load %s: %w", key, err)
}

type snapshot struct {
	fingerprints    fingerprintBlob
	ledger          ledgerBlob
	notifications   []forum.Notification
	recommendations []forum.Recommendation
	version         uint64
}

// Save writes all four blobs if anything changed since the last successful save.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	// A concurrent saver may already have written this state or a newer one.
	if snap.version <= e.savedVersion {
		return nil
	}

	if err := e.store.Save(ctx, keyFingerprints, snap.fingerprints); err != nil {
		return fmt.Errorf("save %s: %w", keyFingerprints, err)
	}
	if err := e.store.Save(ctx, keyNotifications, snap.notifications); err != nil {
		return fmt.Errorf("save %s: %w", keyNotifications, err)
	}
	if err := e.store.Save(ctx, keyRecommendations, snap.recommendations); err != nil {
		return fmt.Errorf("save %s: %w", keyRecommendations, err)
	}
	if err := e.store.Save(ctx, keyLedger, snap.ledger); err != nil {
		return fmt.Errorf("save %s: %w", keyLedger, err)
	}

	e.savedVersion = snap.version
	e.logger.Debug("Tracker state saved", "version", snap.version, "fingerprints", len(snap.fingerprints.Entries))
	return nil
}

func (e *Engine) snapshotLocked() snapshot {
	entries := make([]fingerprintEntry, 0, len(e.order))
	for _, id := range e.order {
		fp := *e.fingerprints[id]
		entries = append(entries, fingerprintEntry{ID: id, Fingerprint: &fp})
	}
	notifications := make([]forum.Notification, len(e.notifications))
	copy(notifications, e.notifications)
	recommendations := make([]forum.Recommendation, len(e.recommendations))
	copy(recommendations, e.recommendations)

	return snapshot{
		fingerprints:    fingerprintBlob{SavedAt: e.now(), Entries: entries},
		notifications:   notifications,
		recommendations: recommendations,
		ledger:          ledgerBlob{IDs: e.ledger.ids(), LastReset: e.ledger.lastReset},
		version:         e.version,
	}
}

// persist saves after a user-initiated mutation.
func (e *Engine) persist(ctx context.Context) error {
	if err := e.Save(ctx); err != nil {
		e.logger.Warn("Failed to persist tracker state", "error", err)
		return err
	}
	return nil
}
