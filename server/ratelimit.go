package server

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter allows at most limit events per key within window.
type rateLimiter struct {
	clients map[string][]time.Time
	now     func() time.Time
	window  time.Duration
	limit   int
	mu      sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		now:     time.Now,
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, ts := range rl.clients[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.clients[key] = recent
		return false
	}

	rl.clients[key] = append(recent, now)
	return true
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by Cloud Run and most reverse proxies.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}
