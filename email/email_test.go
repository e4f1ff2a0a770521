package email

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC)

func sampleDigest() *Digest {
	return &Digest{
		Notifications: []forum.Notification{{
			ID:        "n1",
			Kind:      forum.KindNewReply,
			Title:     "Go <generics> & you",
			URL:       "https://forum.example/t/go/42",
			TopicID:   42,
			Delta:     2,
			Previous:  10,
			Current:   12,
			CreatedAt: testNow.Add(-5 * time.Minute),
		}},
		Recommendations: []forum.Recommendation{{
			ID:           7,
			Title:        "Fresh topic",
			URL:          "https://forum.example/t/fresh/7",
			CategoryName: "Development",
			Excerpt:      "Quoted \"text\"",
			PostsCount:   5,
			LikeCount:    2,
			Views:        99,
			LastPostedAt: testNow,
		}},
	}
}

func TestDigestAdd(t *testing.T) {
	d := &Digest{}
	if !d.Empty() {
		t.Fatal("new digest is not empty")
	}

	n := forum.Notification{ID: "a", Kind: forum.KindNewLike}
	d.Add(tracker.Event{Kind: tracker.EventNotificationCreated, Notification: &n})
	d.Add(tracker.Event{Kind: tracker.EventNotificationCreated})
	d.Add(tracker.Event{Kind: tracker.EventRecommendationsChanged, Total: 0})
	d.Add(tracker.Event{
		Kind:     tracker.EventRecommendationsChanged,
		Admitted: []forum.Recommendation{{ID: 1}, {ID: 2}},
		Added:    2,
		Total:    2,
	})

	if len(d.Notifications) != 1 || len(d.Recommendations) != 2 {
		t.Errorf("digest = %d notifications / %d recommendations, want 1 / 2",
			len(d.Notifications), len(d.Recommendations))
	}
}

func TestDigestSubject(t *testing.T) {
	tests := []struct {
		name   string
		digest *Digest
		want   string
	}{
		{"both", sampleDigest(), "Topic Tracker: 1 topic update, 1 new recommendation"},
		{"plural updates", &Digest{Notifications: make([]forum.Notification, 3)}, "Topic Tracker: 3 topic updates"},
		{"only recommendations", &Digest{Recommendations: make([]forum.Recommendation, 2)}, "Topic Tracker: 2 new recommendations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := digestSubject(tt.digest); got != tt.want {
				t.Errorf("digestSubject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDigestBody(t *testing.T) {
	body := formatDigestBody(sampleDigest(), testNow)

	wants := []string{
		`<a href="https://forum.example/t/go/42" class="title">Go &lt;generics&gt; &amp; you</a>`,
		"2 new replies &bull; 10 &rarr; 12 &bull; 5m ago",
		`<a href="https://forum.example/t/fresh/7" class="title">Fresh topic</a>`,
		"Development &bull; 5 posts &bull; 2 likes &bull; 99 views &bull; just now",
		"Quoted &quot;text&quot;",
	}
	for _, want := range wants {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nGot:\n%s", want, body)
		}
	}
	if strings.Contains(body, "<generics>") {
		t.Error("topic title was not escaped")
	}
}

func TestSendDigest(t *testing.T) {
	logger := testLogger()
	provider := NewMockProvider(logger)
	sender := New(provider, logger, "me@example.com")
	sender.now = func() time.Time { return testNow }

	if err := sender.SendDigest(context.Background(), &Digest{}); err != nil {
		t.Fatalf("SendDigest(empty) error: %v", err)
	}
	if len(provider.Sent()) != 0 {
		t.Fatal("empty digest was sent")
	}

	if err := sender.SendDigest(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("SendDigest() error: %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].To != "me@example.com" {
		t.Errorf("To = %q", sent[0].To)
	}
	if !strings.Contains(sent[0].Body, "Fresh topic") {
		t.Error("body missing recommendation")
	}
}

func TestRunFlushesOnClose(t *testing.T) {
	logger := testLogger()
	provider := NewMockProvider(logger)
	sender := New(provider, logger, "me@example.com")

	events := make(chan tracker.Event, 4)
	n := forum.Notification{ID: "x", Kind: forum.KindNewReply, Delta: 1, Title: "T"}
	events <- tracker.Event{Kind: tracker.EventNotificationCreated, Notification: &n}
	events <- tracker.Event{Kind: tracker.EventNotificationCreated, Notification: &n}
	close(events)

	done := make(chan struct{})
	go func() {
		sender.Run(context.Background(), events, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after events closed")
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want one batched digest", len(sent))
	}
	if !strings.Contains(sent[0].Subject, "2 topic updates") {
		t.Errorf("Subject = %q, want 2 updates batched", sent[0].Subject)
	}
}

func TestRunFlushesOnInterval(t *testing.T) {
	logger := testLogger()
	provider := NewMockProvider(logger)
	sender := New(provider, logger, "me@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan tracker.Event, 1)
	done := make(chan struct{})
	go func() {
		sender.Run(ctx, events, 10*time.Millisecond)
		close(done)
	}()

	events <- tracker.Event{Kind: tracker.EventRecommendationsChanged, Admitted: []forum.Recommendation{{ID: 1}}}

	deadline := time.Now().Add(2 * time.Second)
	for len(provider.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := len(provider.Sent()); got != 1 {
		t.Errorf("sent %d emails, want 1", got)
	}
}

func TestBuildMIME(t *testing.T) {
	msg := buildMIME("", "a@example.com\r\nBcc: evil@example.com", "Hi\nthere", "<p>x</p>")

	if strings.Contains(msg, "\r\nBcc:") {
		t.Errorf("header injection survived:\n%s", msg)
	}
	if !strings.Contains(msg, "Subject: Hithere\r\n") {
		t.Errorf("subject not sanitized:\n%s", msg)
	}
	if strings.Contains(msg, "From:") {
		t.Error("empty from address produced a From header")
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>x</p>") {
		t.Error("body not separated from headers")
	}
}

func TestBrevoSend(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		wantCalls int32
	}{
		{"accepted", http.StatusCreated, false, 1},
		{"rejected is not retried", http.StatusBadRequest, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if r.Header.Get("api-key") != "secret" {
					t.Errorf("api-key header = %q", r.Header.Get("api-key"))
				}
				var req brevoSendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if req.Subject != "Subject line" || len(req.To) != 1 || req.To[0].Email != "me@example.com" {
					t.Errorf("request = %+v", req)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := NewBrevoProvider("secret", "bot@example.com", "Topic Tracker", testLogger())
			b.endpoint = srv.URL

			err := b.Send(context.Background(), "me@example.com", "Subject\r\n line", "<p>hi</p>")
			if (err != nil) != tt.wantErr {
				t.Errorf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server saw %d calls, want %d", got, tt.wantCalls)
			}
		})
	}
}
