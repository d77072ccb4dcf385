// Package web holds the HTTP plumbing of the submission API.
package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// KeyFunc returns the key a request is rate limited under.
type KeyFunc func(r *http.Request) string

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter gives every key its own token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	limit rate.Limit
	burst int
	now   func() time.Time
}

// NewRateLimiter returns a limiter refilling perSecond tokens per second up to
// burst, and starts the removal of idle visitors until stop is closed.
func NewRateLimiter(perSecond float64, burst int, stop <-chan struct{}) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
	go rl.cleanupVisitors(stop)
	return rl
}

// Allow consumes a token of key, reporting whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Len returns the number of tracked visitors.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) cleanupVisitors(stop <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.removeIdle(visitorTimeout)
		}
	}
}

func (rl *RateLimiter) removeIdle(timeout time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > timeout {
			delete(rl.visitors, key)
		}
	}
}

// Middleware rejects requests over the limit of their key with 429.
func (rl *RateLimiter) Middleware(key KeyFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(key(r)) {
			WriteError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next(w, r)
	}
}

// ClientIP keys requests by the first forwarded address, or the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error body.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// CORS allows cross origin calls from the browser clients.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
