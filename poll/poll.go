// Package poll drives the tracker on its fast, slow and resync cadences.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"
	"topic-tracker/source"
	"topic-tracker/tracker"
)

// Defaults for Config fields left zero.
const (
	DefaultFastInterval    = 60 * time.Second
	DefaultSlowInterval    = 30 * time.Minute
	DefaultResyncInterval  = time.Hour
	DefaultResyncDelay     = 30 * time.Second
	DefaultLatestPages     = 10
	DefaultLatestPageDelay = 300 * time.Millisecond
	DefaultSlowPause       = time.Second

	slowBatch = 10 // Topic fetches between slow-scan pauses
)

// Source supplies topic snapshots.
type Source interface {
	ListLatest(ctx context.Context, page int) ([]*forum.Topic, error)
	Topic(ctx context.Context, id int64) (*forum.Topic, error)
	ListRead(ctx context.Context, page int) ([]*forum.Topic, bool, error)
}

// Config holds scheduler configuration.
type Config struct {
	Engine          *tracker.Engine
	Source          Source
	Logger          *slog.Logger
	FastInterval    time.Duration
	SlowInterval    time.Duration
	ResyncInterval  time.Duration
	ResyncDelay     time.Duration // One-shot resync after Start
	LatestPages     int
	LatestPageDelay time.Duration
	SlowPause       time.Duration
}

// Scheduler runs scans on independent timers. Scans may overlap; the engine
// serializes their effects.
type Scheduler struct {
	engine *tracker.Engine
	source Source
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	running bool
	ctx     context.Context // Base context for scans launched while running
	stop    chan struct{}
	loops   sync.WaitGroup
	scans   sync.WaitGroup

	last sync.Map // cadence -> Status
}

// Status is the outcome of the most recent scan of one cadence.
type Status struct {
	At       time.Time     `json:"at"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// New creates a stopped scheduler.
func New(cfg *Config) *Scheduler {
	c := *cfg
	if c.FastInterval <= 0 {
		c.FastInterval = DefaultFastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = DefaultSlowInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.ResyncDelay <= 0 {
		c.ResyncDelay = DefaultResyncDelay
	}
	if c.LatestPages <= 0 {
		c.LatestPages = DefaultLatestPages
	}
	if c.LatestPageDelay < 0 {
		c.LatestPageDelay = 0
	}
	if c.SlowPause < 0 {
		c.SlowPause = 0
	}
	return &Scheduler{
		engine: c.Engine,
		source: c.Source,
		logger: c.Logger,
		cfg:    c,
	}
}

// Running reports whether the timers are armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start arms the timers and fires one immediate fast scan. Scans launched by
// the scheduler use ctx; Stop does not cancel it. Start is a no-op while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx = ctx
	s.stop = make(chan struct{})

	s.logger.Info("Scheduler starting",
		"fast_interval", s.cfg.FastInterval.String(),
		"slow_interval", s.cfg.SlowInterval.String(),
		"resync_interval", s.cfg.ResyncInterval.String(),
		"resync_delay", s.cfg.ResyncDelay.String())

	s.every("fast", s.cfg.FastInterval, s.runFast)
	s.every("slow", s.cfg.SlowInterval, s.runSlow)
	s.every("resync", s.cfg.ResyncInterval, s.runResync)
	s.once("resync", s.cfg.ResyncDelay, s.runResync)

	s.launchLocked("fast", s.runFast)
}

// Stop disarms all timers. Scans already in flight complete and their results
// are applied. Stop is a no-op while stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.loops.Wait()
	s.logger.Info("Scheduler stopped")
}

// Wait blocks until every in-flight scan has finished.
func (s *Scheduler) Wait() {
	s.scans.Wait()
}

// Resume triggers a catch-up fast scan, typically after the process or its
// user has been away. It reports false when the scheduler is stopped.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.logger.Info("Catch-up scan requested")
	s.launchLocked("fast", s.runFast)
	return true
}

// LastRun returns the status of the latest scan for cadence.
func (s *Scheduler) LastRun(cadence string) (Status, bool) {
	v, ok := s.last.Load(cadence)
	if !ok {
		return Status{}, false
	}
	st, ok := v.(Status)
	return st, ok
}

func (s *Scheduler) every(cadence string, interval time.Duration, run func(context.Context) error) {
	stop := s.stop
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.launch(cadence, run)
			}
		}
	}()
}

func (s *Scheduler) once(cadence string, delay time.Duration, run func(context.Context) error) {
	stop := s.stop
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stop:
		case <-timer.C:
			s.launch(cadence, run)
		}
	}()
}

func (s *Scheduler) launch(cadence string, run func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.launchLocked(cadence, run)
}

func (s *Scheduler) launchLocked(cadence string, run func(context.Context) error) {
	ctx := s.ctx
	s.scans.Add(1)
	go func() {
		defer s.scans.Done()
		start := time.Now()
		err := run(ctx)
		st := Status{At: start, Duration: time.Since(start)}
		if err != nil {
			st.Error = err.Error()
			// Background failures are logged only; the next tick retries.
			s.logger.Warn("Scheduled scan failed", "cadence", cadence, "error", err)
		}
		s.last.Store(cadence, st)
	}()
}

func (s *Scheduler) runFast(ctx context.Context) error {
	_, err := s.FastScan(ctx)
	return err
}

func (s *Scheduler) runSlow(ctx context.Context) error {
	_, err := s.SlowScan(ctx)
	return err
}

func (s *Scheduler) runResync(ctx context.Context) error {
	_, err := s.Resync(ctx)
	return err
}

// Bootstrap hydrates an empty engine from the "already read" listing.
// It returns false without fetching when topics are already tracked.
func (s *Scheduler) Bootstrap(ctx context.Context) (bool, error) {
	if s.engine.Size() > 0 {
		s.logger.Info("Tracked topics present, skipping bootstrap", "tracked", s.engine.Size())
		return false, nil
	}
	res, err := s.engine.Hydrate(ctx, s.source)
	observe("hydrate", time.Now(), err)
	if err != nil {
		return true, fmt.Errorf("bootstrap: %w", err)
	}
	s.logger.Info("Bootstrap complete", "pages", res.Pages, "tracked", s.engine.Size())
	return true, nil
}

// FastScan fetches the latest-activity listing and applies it to the engine.
// Any page failure aborts the scan before anything is applied.
func (s *Scheduler) FastScan(ctx context.Context) (result tracker.ListingResult, err error) {
	start := time.Now()
	defer func() { observe("fast", start, err) }()

	var all []*forum.Topic
	for page := range s.cfg.LatestPages {
		if page > 0 {
			if err := sleep(ctx, s.cfg.LatestPageDelay); err != nil {
				return result, err
			}
		}
		topics, err := s.source.ListLatest(ctx, page)
		if err != nil {
			if source.IsUnauthorized(err) {
				s.logger.Warn("Forum session is not logged in", "error", err)
			}
			return result, fmt.Errorf("fast scan aborted: %w", err)
		}
		all = append(all, topics...)
	}

	result, err = s.engine.ApplyListing(ctx, all)
	s.logger.Info("Fast scan completed",
		"topics", len(all),
		"tracked", result.Tracked,
		"untracked", result.Untracked,
		"notifications", len(result.Notifications),
		"admitted", len(result.Admitted),
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		return result, fmt.Errorf("persist fast scan: %w", err)
	}
	return result, nil
}

// SlowResult summarises one slow scan.
type SlowResult struct {
	Checked       int `json:"checked"`
	Failed        int `json:"failed"`
	Notifications int `json:"notifications"`
}

// SlowScan fetches every tracked topic individually and reconciles it.
// A failed fetch skips that topic only.
func (s *Scheduler) SlowScan(ctx context.Context) (result SlowResult, err error) {
	start := time.Now()
	defer func() { observe("slow", start, err) }()

	ids := s.engine.TrackedIDs()
	s.logger.Info("Slow scan starting", "topics", len(ids))

	for i, id := range ids {
		if i > 0 && i%slowBatch == 0 {
			if err := sleep(ctx, s.cfg.SlowPause); err != nil {
				return result, err
			}
		}

		t, fetchErr := s.source.Topic(ctx, id)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			s.logger.Warn("Topic fetch failed, skipping", "topic_id", id, "reason", source.Reason(fetchErr), "error", fetchErr)
			continue
		}
		result.Checked++
		result.Notifications += len(s.engine.Reconcile(t))
	}

	if err := s.engine.Save(ctx); err != nil {
		return result, fmt.Errorf("persist slow scan: %w", err)
	}
	s.logger.Info("Slow scan completed",
		"checked", result.Checked,
		"failed", result.Failed,
		"notifications", result.Notifications,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Resync adds "already read" topics that are not tracked yet.
func (s *Scheduler) Resync(ctx context.Context) (tracker.WalkResult, error) {
	start := time.Now()
	res, err := s.engine.Resync(ctx, s.source)
	observe("resync", start, err)
	return res, err
}

func observe(cadence string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	default:
		result = source.Reason(err)
	}
	metrics.ScanTotal.WithLabelValues(cadence, result).Inc()
	metrics.ScanDuration.WithLabelValues(cadence).Observe(time.Since(start).Seconds())
}

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
