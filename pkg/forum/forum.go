// Package forum contains the core domain types for the topic tracking service.
package forum

import (
	"fmt"
	"strings"
	"time"
)

// Topic is a snapshot of a topic's observable counters as reported by the forum.
type Topic struct {
	LastPostedAt time.Time `json:"last_posted_at"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	CategoryName string    `json:"category_name,omitempty"`
	Excerpt      string    `json:"excerpt,omitempty"` // Plain text, may be empty
	ID           int64     `json:"id"`
	PostsCount   int       `json:"posts_count"`
	LikeCount    int       `json:"like_count"`
	Views        int       `json:"views"`
	CategoryID   int       `json:"category_id,omitempty"`
}

// Fingerprint is the last-observed state of a tracked topic.
type Fingerprint struct {
	LastPostedAt  time.Time `json:"last_posted_at"`
	LastCheckedAt time.Time `json:"last_checked_at"` // Most recent reconciliation touching this record
	Title         string    `json:"title"`
	Slug          string    `json:"slug"`
	CategoryName  string    `json:"category_name,omitempty"`
	ID            int64     `json:"id"`
	PostsCount    int       `json:"posts_count"`
	LikeCount     int       `json:"like_count"`
}

// NewFingerprint builds the baseline fingerprint for a topic.
func NewFingerprint(t *Topic, now time.Time) *Fingerprint {
	return &Fingerprint{
		ID:            t.ID,
		Title:         t.Title,
		Slug:          t.Slug,
		PostsCount:    t.PostsCount,
		LikeCount:     t.LikeCount,
		LastPostedAt:  t.LastPostedAt,
		CategoryName:  t.CategoryName,
		LastCheckedAt: now,
	}
}

// Kind identifies what changed on a tracked topic.
type Kind string

const (
	KindNewReply Kind = "new_reply"
	KindNewLike  Kind = "new_like"
)

// Noun returns the counted thing for messages ("reply", "like").
func (k Kind) Noun(n int) string {
	var s string
	switch k {
	case KindNewReply:
		s = "reply"
		if n != 1 {
			s = "replies"
		}
	case KindNewLike:
		s = "like"
		if n != 1 {
			s = "likes"
		}
	default:
		s = string(k)
	}
	return s
}

// Notification records one observed positive delta on a tracked topic.
// It is never edited after creation; acknowledging it removes it.
type Notification struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	URL       string    `json:"url"`
	TopicID   int64     `json:"topic_id"`
	Delta     int       `json:"delta"`
	Previous  int       `json:"previous"`
	Current   int       `json:"current"`
}

// Message is a short human readable summary, e.g. "2 new replies".
func (n *Notification) Message() string {
	return fmt.Sprintf("%d new %s", n.Delta, n.Kind.Noun(n.Delta))
}

// Recommendation is a newly active topic offered to the user.
type Recommendation struct {
	LastPostedAt time.Time `json:"last_posted_at"`
	AdmittedAt   time.Time `json:"admitted_at"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	CategoryName string    `json:"category_name,omitempty"`
	Excerpt      string    `json:"excerpt,omitempty"`
	URL          string    `json:"url"`
	ID           int64     `json:"id"`
	PostsCount   int       `json:"posts_count"`
	LikeCount    int       `json:"like_count"`
	Views        int       `json:"views"`
	Score        float64   `json:"activity_score"` // Advisory only, display order ignores it
}

// TopicURL builds the navigable link for a topic on the forum at baseURL.
func TopicURL(baseURL, slug string, id int64) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if slug == "" {
		slug = "topic"
	}
	return fmt.Sprintf("%s/t/%s/%d", baseURL, slug, id)
}

// RelativeTime renders t relative to now the way the forum does ("5m ago").
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	default:
		return t.Format("Jan 2")
	}
}
