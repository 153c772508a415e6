package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements a simple in-memory sliding-window rate limiter
type RateLimiter struct {
	mu       sync.RWMutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// Reset returns the time when the rate limit resets for a key
func (rl *RateLimiter) Reset(key string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	requests := rl.requests[key]
	if len(requests) == 0 {
		return time.Now()
	}

	oldest := requests[0]
	for _, t := range requests {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest.Add(rl.window)
}

// cleanup periodically removes stale entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, requests := range rl.requests {
			var valid []time.Time
			for _, t := range requests {
				if t.After(windowStart) {
					valid = append(valid, t)
				}
			}
			if len(valid) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = valid
			}
		}
		rl.mu.Unlock()
	}
}

// LoginRateLimiter throttles authentication attempts per client IP. It
// is a transport-level throttle against brute force floods; the
// per-account lockout policy is enforced separately and survives
// restarts, this one does not.
type LoginRateLimiter struct {
	limiter *RateLimiter
}

// NewLoginRateLimiter creates a rate limiter for the login and refresh
// endpoints.
func NewLoginRateLimiter(limit int, window time.Duration) *LoginRateLimiter {
	return &LoginRateLimiter{
		limiter: NewRateLimiter(limit, window),
	}
}

// Limit rejects requests beyond the per-IP budget with 429.
func (rl *LoginRateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		if !rl.limiter.Allow(key) {
			writeRateLimitError(w, rl.limiter.Reset(key))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the originating address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, resetTime time.Time) {
	retryAfter := resetTime.Unix() - time.Now().Unix()
	if retryAfter < 0 {
		retryAfter = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    "TOO_MANY_REQUESTS",
			"message": "Rate limit exceeded. Please try again later.",
			"details": map[string]interface{}{
				"retry_after": retryAfter,
			},
		},
		"timestamp": time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
