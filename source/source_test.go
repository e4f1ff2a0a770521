package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(srv *httptest.Server) *Client {
	return New(srv.Client(), Config{
		BaseURL:    srv.URL,
		Timeout:    time.Second,
		Attempts:   3,
		RetryDelay: time.Millisecond,
	}, testLogger())
}

const siteBody = `{"categories":[{"id":4,"name":"Development"},{"id":11,"name":"Chat"}]}`

func TestListLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.json":
			fmt.Fprint(w, siteBody)
		case "/latest.json":
			if r.URL.Query().Get("page") != "2" {
				t.Errorf("page = %q, want %q", r.URL.Query().Get("page"), "2")
			}
			if r.Header.Get("Discourse-Present") != "true" {
				t.Error("missing Discourse-Present header")
			}
			fmt.Fprint(w, `{"topic_list":{"topics":[
				{"id":42,"title":"Hello","slug":"hello","posts_count":12,"like_count":3,"views":99,
				 "last_posted_at":"2025-10-13T12:00:00.000Z","category_id":4,
				 "excerpt":"<p>First &amp; <b>bold</b>\n line&hellip;</p>"},
				{"id":43,"title":"Quiet","slug":"quiet","posts_count":1,"like_count":0,"views":2,
				 "last_posted_at":null,"category_id":99}
			]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	topics, err := c.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListLatest() error: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("ListLatest() returned %d topics, want 2", len(topics))
	}

	got := topics[0]
	if got.ID != 42 || got.PostsCount != 12 || got.LikeCount != 3 || got.Views != 99 {
		t.Errorf("topic = %+v, want id 42 with 12 posts, 3 likes, 99 views", got)
	}
	if got.CategoryName != "Development" {
		t.Errorf("CategoryName = %q, want %q", got.CategoryName, "Development")
	}
	if want := time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC); !got.LastPostedAt.Equal(want) {
		t.Errorf("LastPostedAt = %v, want %v", got.LastPostedAt, want)
	}
	if got.Excerpt != "First & bold line…" {
		t.Errorf("Excerpt = %q, want %q", got.Excerpt, "First & bold line…")
	}

	if !topics[1].LastPostedAt.IsZero() {
		t.Errorf("null last_posted_at = %v, want zero time", topics[1].LastPostedAt)
	}
	if topics[1].CategoryName != "" {
		t.Errorf("unknown category name = %q, want empty", topics[1].CategoryName)
	}
}

func TestCategoryLoadDoesNotBlockFetches(t *testing.T) {
	siteHit := make(chan struct{})
	release := make(chan struct{})
	var hitOnce, releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.json":
			hitOnce.Do(func() { close(siteHit) })
			<-release
			fmt.Fprint(w, siteBody)
		case "/latest.json":
			fmt.Fprint(w, `{"topic_list":{"topics":[{"id":42,"category_id":4}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	defer unblock()

	c := New(srv.Client(), Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		Attempts:   1,
		RetryDelay: time.Millisecond,
	}, testLogger())

	type result struct {
		category string
		err      error
	}
	list := func(out chan<- result) {
		topics, err := c.ListLatest(context.Background(), 0)
		if err != nil {
			out <- result{err: err}
			return
		}
		out <- result{category: topics[0].CategoryName}
	}

	first := make(chan result, 1)
	go list(first)
	select {
	case <-siteHit:
	case <-time.After(2 * time.Second):
		t.Fatal("category load never started")
	}

	second := make(chan result, 1)
	go list(second)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("ListLatest() during category load error: %v", res.err)
		}
		if res.category != "" {
			t.Errorf("CategoryName during load = %q, want empty", res.category)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListLatest() waited for the category load")
	}

	unblock()
	res := <-first
	if res.err != nil || res.category != "Development" {
		t.Errorf("first ListLatest() = %q, %v, want Development", res.category, res.err)
	}
}

func TestListReadPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.json":
			fmt.Fprint(w, siteBody)
		case "/read.json":
			if r.URL.Query().Get("page") == "" {
				fmt.Fprint(w, `{"topic_list":{"more_topics_url":"/read?page=1","topics":[{"id":1,"posts_count":2}]}}`)
				return
			}
			fmt.Fprint(w, `{"topic_list":{"topics":[{"id":2,"posts_count":5}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	topics, more, err := c.ListRead(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRead(0) error: %v", err)
	}
	if !more || len(topics) != 1 || topics[0].ID != 1 {
		t.Errorf("ListRead(0) = %d topics, more=%v, want 1 topic and more=true", len(topics), more)
	}

	topics, more, err = c.ListRead(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListRead(1) error: %v", err)
	}
	if more || len(topics) != 1 || topics[0].ID != 2 {
		t.Errorf("ListRead(1) = %d topics, more=%v, want 1 topic and more=false", len(topics), more)
	}
}

func TestTopic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.json":
			fmt.Fprint(w, siteBody)
		case "/t/42.json":
			fmt.Fprint(w, `{"id":42,"title":"Hello","slug":"hello","posts_count":15,"like_count":7,"views":300,"category_id":11}`)
		case "/t/7.json":
			fmt.Fprint(w, `{"errors":["not found"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	topic, err := c.Topic(context.Background(), 42)
	if err != nil {
		t.Fatalf("Topic() error: %v", err)
	}
	if topic.PostsCount != 15 || topic.LikeCount != 7 || topic.CategoryName != "Chat" {
		t.Errorf("Topic() = %+v, want 15 posts, 7 likes in Chat", topic)
	}

	if _, err := c.Topic(context.Background(), 7); !IsMalformed(err) {
		t.Errorf("Topic() without id error = %v, want malformed", err)
	}
}

func TestFailureTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		check     func(error) bool
		reason    string
		wantCalls int32
	}{
		{
			name: "forbidden is unauthorized and not retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			check:     IsUnauthorized,
			reason:    "unauthorized",
			wantCalls: 1,
		},
		{
			name: "server error is retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			check:     IsTransport,
			reason:    "transport",
			wantCalls: 3,
		},
		{
			name: "not found is not retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			check:     IsTransport,
			reason:    "transport",
			wantCalls: 1,
		},
		{
			name: "garbage body is malformed",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "<html>maintenance</html>")
			},
			check:     IsMalformed,
			reason:    "malformed",
			wantCalls: 1,
		},
		{
			name: "slow response times out",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			check:     IsTimeout,
			reason:    "timeout",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/site.json" {
					fmt.Fprint(w, siteBody)
					return
				}
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			c := New(srv.Client(), Config{
				BaseURL:    srv.URL,
				Timeout:    50 * time.Millisecond,
				Attempts:   3,
				RetryDelay: time.Millisecond,
			}, testLogger())

			_, err := c.ListLatest(context.Background(), 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("error %v did not match expected class", err)
			}
			if got := Reason(err); got != tt.reason {
				t.Errorf("Reason() = %q, want %q", got, tt.reason)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server saw %d calls, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(http.DefaultClient, Config{BaseURL: addr, Attempts: 2, RetryDelay: time.Millisecond}, testLogger())
	_, err := c.Topic(context.Background(), 1)
	if !IsTransport(err) {
		t.Errorf("Topic() against closed server error = %v, want transport failure", err)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace", "  \n ", ""},
		{"entities", "a &lt;b&gt; c", "a <b> c"},
		{"nested tags", "<p>one <a href=\"/x\">two</a></p><p>three</p>", "one twothree"},
		{"collapse spaces", "one\n\n   two", "one two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plainText(tt.input); got != tt.want {
				t.Errorf("plainText() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestLiveLatest is an integration test against the public forum.
func TestLiveLatest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("FORUM_LIVE_TEST") == "" {
		t.Skip("set FORUM_LIVE_TEST to run against a live forum")
	}

	c := New(&http.Client{Timeout: 30 * time.Second}, Config{BaseURL: "https://meta.discourse.org"}, testLogger())
	topics, err := c.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListLatest() error: %v", err)
	}
	if len(topics) == 0 {
		t.Fatal("no topics on first latest page")
	}
	t.Logf("Found %d topics, first %q", len(topics), topics[0].Title)
}
