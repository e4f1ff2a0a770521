// Package source fetches topic snapshots from a Discourse forum's JSON endpoints.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"topic-tracker/metrics"
	"topic-tracker/pkg/forum"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

const (
	defaultTimeout   = 15 * time.Second
	maxBodyBytes     = 10 << 20
	categoryRetryGap = 10 * time.Minute
)

// Config holds the forum location and credentials.
type Config struct {
	BaseURL     string
	Cookie      string // Raw Cookie header from a logged-in browser session
	APIKey      string // Admin API key, used with APIUsername
	APIUsername string
	UserAPIKey  string
	UserAgent   string
	Timeout     time.Duration // Per request, default 15s
	Attempts    uint          // Retry attempts for transient failures, default 3
	RetryDelay  time.Duration // Base retry delay, default 1s
}

// Client fetches topic listings and single topics.
type Client struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config

	mu           sync.Mutex
	categories   map[int]string
	categoriesAt time.Time // Last load attempt
}

// New creates a new forum client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// BaseURL returns the forum root used to build topic links.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

type topicJSON struct {
	LastPostedAt time.Time `json:"last_posted_at"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Excerpt      string    `json:"excerpt"`
	ID           int64     `json:"id"`
	PostsCount   int       `json:"posts_count"`
	LikeCount    int       `json:"like_count"`
	Views        int       `json:"views"`
	CategoryID   int       `json:"category_id"`
}

type listJSON struct {
	TopicList *struct {
		MoreTopicsURL string      `json:"more_topics_url"`
		Topics        []topicJSON `json:"topics"`
	} `json:"topic_list"`
}

type siteJSON struct {
	Categories []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"categories"`
}

// ListLatest fetches one page of the "latest activity" listing.
func (c *Client) ListLatest(ctx context.Context, page int) ([]*forum.Topic, error) {
	var list listJSON
	if err := c.fetchJSON(ctx, "latest", "/latest.json?page="+strconv.Itoa(page), &list); err != nil {
		return nil, fmt.Errorf("list latest page %d: %w", page, err)
	}
	if list.TopicList == nil {
		return nil, &MalformedResponseError{URL: c.cfg.BaseURL + "/latest.json", Err: errors.New("missing topic_list")}
	}
	return c.topics(ctx, list.TopicList.Topics), nil
}

// ListRead fetches one page of the user's "already read" listing.
// The boolean reports whether the forum advertises further pages.
func (c *Client) ListRead(ctx context.Context, page int) ([]*forum.Topic, bool, error) {
	path := "/read.json"
	if page > 0 {
		path += "?page=" + strconv.Itoa(page)
	}
	var list listJSON
	if err := c.fetchJSON(ctx, "read", path, &list); err != nil {
		return nil, false, fmt.Errorf("list read page %d: %w", page, err)
	}
	if list.TopicList == nil {
		return nil, false, &MalformedResponseError{URL: c.cfg.BaseURL + path, Err: errors.New("missing topic_list")}
	}
	return c.topics(ctx, list.TopicList.Topics), list.TopicList.MoreTopicsURL != "", nil
}

// Topic fetches the current counters of a single topic.
func (c *Client) Topic(ctx context.Context, id int64) (*forum.Topic, error) {
	path := "/t/" + strconv.FormatInt(id, 10) + ".json"
	var t topicJSON
	if err := c.fetchJSON(ctx, "topic", path, &t); err != nil {
		return nil, fmt.Errorf("topic %d: %w", id, err)
	}
	if t.ID == 0 {
		return nil, &MalformedResponseError{URL: c.cfg.BaseURL + path, Err: errors.New("missing topic id")}
	}
	topics := c.topics(ctx, []topicJSON{t})
	return topics[0], nil
}

func (c *Client) topics(ctx context.Context, raw []topicJSON) []*forum.Topic {
	names := c.categoryNames(ctx)
	topics := make([]*forum.Topic, 0, len(raw))
	for i := range raw {
		t := &raw[i]
		topics = append(topics, &forum.Topic{
			ID:           t.ID,
			Title:        t.Title,
			Slug:         t.Slug,
			PostsCount:   t.PostsCount,
			LikeCount:    t.LikeCount,
			Views:        t.Views,
			LastPostedAt: t.LastPostedAt,
			CategoryID:   t.CategoryID,
			CategoryName: names[t.CategoryID],
			Excerpt:      plainText(t.Excerpt),
		})
	}
	return topics
}

// categoryNames returns the cached id -> name map, loading it from /site.json
// on first use. A failed load leaves names empty and is retried later. The
// fetch runs without the lock; callers arriving during a load get no names.
func (c *Client) categoryNames(ctx context.Context) map[int]string {
	c.mu.Lock()
	if c.categories != nil || time.Since(c.categoriesAt) < categoryRetryGap {
		names := c.categories
		c.mu.Unlock()
		return names
	}
	c.categoriesAt = time.Now()
	c.mu.Unlock()

	var site siteJSON
	if err := c.fetchJSON(ctx, "site", "/site.json", &site); err != nil {
		c.logger.Warn("Failed to load category names", "error", err)
		return nil
	}
	names := make(map[int]string, len(site.Categories))
	for _, cat := range site.Categories {
		names[cat.ID] = cat.Name
	}

	c.mu.Lock()
	c.categories = names
	c.mu.Unlock()
	c.logger.Info("Category names loaded", "count", len(names))
	return names
}

// plainText flattens an HTML fragment (Discourse excerpts) to collapsed text.
func plainText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Discourse-Present", "true")
	req.Header.Set("Discourse-Logged-In", "true")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}
	if c.cfg.UserAPIKey != "" {
		req.Header.Set("User-Api-Key", c.cfg.UserAPIKey)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Api-Key", c.cfg.APIKey)
		req.Header.Set("Api-Username", c.cfg.APIUsername)
	}
}

func (c *Client) fetchJSON(ctx context.Context, endpoint, path string, v any) error {
	reqURL := c.cfg.BaseURL + path
	start := time.Now()

	err := retry.Do(
		func() error {
			return c.fetchOnce(ctx, reqURL, v)
		},
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "url", reqURL, "error", err)
		}),
		retry.RetryIf(retryable),
	)

	metrics.FetchDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	metrics.FetchTotal.WithLabelValues(endpoint, Reason(err)).Inc()
	return err
}

func (c *Client) fetchOnce(ctx context.Context, reqURL string, v any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.logger.Debug("HTTP request starting", "method", "GET", "url", reqURL)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(req)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return c.classify(ctx, reqCtx, reqURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Warn("Forum requires login", "url", reqURL, "status_code", resp.StatusCode)
		return &UnauthorizedError{URL: reqURL, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &HTTPError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.classify(ctx, reqCtx, reqURL, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &MalformedResponseError{URL: reqURL, Err: err}
	}
	return nil
}

// classify maps a client error onto the failure taxonomy.
func (c *Client) classify(ctx, reqCtx context.Context, reqURL string, err error) error {
	if ctx.Err() != nil {
		// Caller gave up; further attempts are pointless.
		return retry.Unrecoverable(&TransportError{URL: reqURL, Err: ctx.Err()})
	}
	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{URL: reqURL, Timeout: c.cfg.Timeout}
	}
	return &TransportError{URL: reqURL, Err: err}
}
