package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/poll"
	"topic-tracker/storage"
	"topic-tracker/tracker"
)

var errUnauthorized = errors.New("unauthorized")

type nopStore struct{}

func (nopStore) Load(context.Context, string, any) error { return storage.ErrNotFound }
func (nopStore) Save(context.Context, string, any) error { return nil }
func (nopStore) Backend() string                         { return "memory" }
func (nopStore) List(context.Context) ([]storage.Blob, error) {
	return []storage.Blob{{Key: "fingerprints", Size: 10}}, nil
}

type fakeScheduler struct {
	resyncErr error
	resync    tracker.WalkResult
	running   bool
	fastCalls int
}

func (f *fakeScheduler) Running() bool { return f.running }
func (f *fakeScheduler) Resume() bool  { return f.running }
func (f *fakeScheduler) FastScan(context.Context) (tracker.ListingResult, error) {
	f.fastCalls++
	return tracker.ListingResult{Tracked: 1}, nil
}

func (f *fakeScheduler) Resync(context.Context) (tracker.WalkResult, error) {
	return f.resync, f.resyncErr
}

func (f *fakeScheduler) LastRun(cadence string) (poll.Status, bool) {
	if cadence == "fast" {
		return poll.Status{At: time.Unix(0, 0).UTC()}, true
	}
	return poll.Status{}, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, sched *fakeScheduler) (*Server, *tracker.Engine) {
	t.Helper()
	e := tracker.New(&tracker.Config{
		Store:      nopStore{},
		IsNotFound: storage.IsNotFound,
		Logger:     testLogger(),
		BaseURL:    "https://forum.example",
	})
	if err := e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := New(&Config{
		Engine:         e,
		Scheduler:      sched,
		Store:          nopStore{},
		Logger:         testLogger(),
		IsUnauthorized: func(err error) bool { return errors.Is(err, errUnauthorized) },
	})
	return s, e
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeScheduler{})
	rec := do(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec := do(t, s, http.MethodPost, "/health"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestStatus(t *testing.T) {
	s, e := newTestServer(t, &fakeScheduler{running: true})
	e.Track(&forum.Topic{ID: 1})

	rec := do(t, s, http.MethodGet, "/status")
	var got struct {
		Scans   map[string]poll.Status `json:"scans"`
		Backend string                 `json:"backend"`
		Blobs   []storage.Blob         `json:"blobs"`
		Tracked int                    `json:"tracked"`
		Running bool                   `json:"running"`
	}
	decode(t, rec, &got)
	if got.Tracked != 1 || !got.Running || got.Backend != "memory" {
		t.Errorf("status = %+v", got)
	}
	if _, ok := got.Scans["fast"]; !ok || len(got.Blobs) != 1 {
		t.Errorf("scans = %v, blobs = %v", got.Scans, got.Blobs)
	}
}

func TestNotificationRoutes(t *testing.T) {
	s, e := newTestServer(t, &fakeScheduler{})
	e.Track(&forum.Topic{ID: 42, Slug: "hello", PostsCount: 10})
	e.Reconcile(&forum.Topic{ID: 42, PostsCount: 12, LikeCount: 1})

	rec := do(t, s, http.MethodGet, "/notifications")
	var list struct {
		Notifications []forum.Notification `json:"notifications"`
		Unread        int                  `json:"unread"`
	}
	decode(t, rec, &list)
	if list.Unread != 2 || len(list.Notifications) != 2 {
		t.Fatalf("GET /notifications = %+v, want 2 unread", list)
	}

	id := list.Notifications[0].ID
	if rec := do(t, s, http.MethodDelete, "/notifications/"+id); rec.Code != http.StatusOK {
		t.Errorf("DELETE existing status = %d, want 200", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/notifications/"+id); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE missing status = %d, want 404", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/notifications/ack")
	var adv advisory
	decode(t, rec, &adv)
	if !adv.OK || adv.Message != "1 acknowledged" {
		t.Errorf("POST /notifications/ack = %+v", adv)
	}
	if e.UnreadCount() != 0 {
		t.Errorf("UnreadCount() = %d, want 0", e.UnreadCount())
	}
}

func TestRecommendationRoutes(t *testing.T) {
	s, e := newTestServer(t, &fakeScheduler{})
	e.Evaluate([]*forum.Topic{
		{ID: 5, LastPostedAt: time.Now()},
		{ID: 6, LastPostedAt: time.Now()},
	})

	rec := do(t, s, http.MethodGet, "/recommendations")
	var list struct {
		Recommendations []forum.Recommendation `json:"recommendations"`
	}
	decode(t, rec, &list)
	if len(list.Recommendations) != 2 {
		t.Fatalf("GET /recommendations = %d entries, want 2", len(list.Recommendations))
	}

	tests := []struct {
		path string
		want int
	}{
		{"/recommendations/5", http.StatusOK},
		{"/recommendations/5", http.StatusNotFound},
		{"/recommendations/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, s, http.MethodDelete, tt.path); rec.Code != tt.want {
			t.Errorf("DELETE %s status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	rec = do(t, s, http.MethodPost, "/recommendations/clear")
	var adv advisory
	decode(t, rec, &adv)
	if adv.Message != "1 cleared" {
		t.Errorf("POST /recommendations/clear = %+v", adv)
	}
	if got := e.Evaluate([]*forum.Topic{{ID: 5, LastPostedAt: time.Now()}}); len(got) != 1 {
		t.Error("cleared ledger did not make topic eligible again")
	}
}

func TestResync(t *testing.T) {
	tests := []struct {
		name     string
		sched    *fakeScheduler
		wantCode int
		wantOK   bool
		wantMsg  string
	}{
		{
			name:     "success",
			sched:    &fakeScheduler{resync: tracker.WalkResult{Pages: 3, Added: 4}},
			wantCode: http.StatusOK,
			wantOK:   true,
			wantMsg:  "sync complete, 4 new",
		},
		{
			name:     "not logged in",
			sched:    &fakeScheduler{resyncErr: errUnauthorized},
			wantCode: http.StatusUnauthorized,
			wantMsg:  "not logged in to the forum",
		},
		{
			name:     "upstream failure",
			sched:    &fakeScheduler{resync: tracker.WalkResult{Pages: 2, Added: 1}, resyncErr: errors.New("boom")},
			wantCode: http.StatusBadGateway,
			wantMsg:  "sync failed after 2 pages, 1 new",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.sched)
			rec := do(t, s, http.MethodPost, "/resync")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var adv advisory
			decode(t, rec, &adv)
			if adv.OK != tt.wantOK || adv.Message != tt.wantMsg {
				t.Errorf("reply = %+v, want ok=%v %q", adv, tt.wantOK, tt.wantMsg)
			}
		})
	}
}

func TestResyncRateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeScheduler{})
	for i := range resyncLimit {
		if rec := do(t, s, http.MethodPost, "/resync"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	if rec := do(t, s, http.MethodPost, "/resync"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestPollAndResume(t *testing.T) {
	sched := &fakeScheduler{}
	s, _ := newTestServer(t, sched)

	if rec := do(t, s, http.MethodPost, "/pollz"); rec.Code != http.StatusOK || sched.fastCalls != 1 {
		t.Errorf("POST /pollz status = %d, fast scans = %d", rec.Code, sched.fastCalls)
	}
	if rec := do(t, s, http.MethodPost, "/resume"); rec.Code != http.StatusConflict {
		t.Errorf("POST /resume while stopped status = %d, want 409", rec.Code)
	}
	sched.running = true
	if rec := do(t, s, http.MethodPost, "/resume"); rec.Code != http.StatusAccepted {
		t.Errorf("POST /resume status = %d, want 202", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeScheduler{})
	rec := do(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Hour)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests rejected")
	}
	if rl.allow("a") {
		t.Error("third request within window allowed")
	}
	if !rl.allow("b") {
		t.Error("other client rejected")
	}
	now = now.Add(time.Hour + time.Second)
	if !rl.allow("a") {
		t.Error("request after window rejected")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "10.0.0.2:80", "203.0.113.7"},
		{"remote ipv4", "", "192.0.2.1:1234", "192.0.2.1"},
		{"remote ipv6", "", "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
