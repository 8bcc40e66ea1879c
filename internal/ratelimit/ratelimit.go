// Package ratelimit throttles state-changing requests per client address.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/pkg/protocol"
)

// Limiter implements per-key token bucket rate limiting.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rpm     int
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter allowing rpm requests per minute per key, with a
// burst of rpm. rpm <= 0 means unlimited.
func New(rpm int) *Limiter {
	return &Limiter{buckets: make(map[string]*tokenBucket), rpm: rpm, now: time.Now}
}

func (l *Limiter) refillRate() float64 { return float64(l.rpm) / 60.0 }

// Allow reports whether a request for key may proceed, consuming a token.
func (l *Limiter) Allow(key string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(l.rpm), lastRefill: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * l.refillRate()
	if b.tokens > float64(l.rpm) {
		b.tokens = float64(l.rpm)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until key has a token again.
func (l *Limiter) RetryAfter(key string) int {
	if l.rpm <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.tokens >= 1 {
		return 0
	}
	secs := int(math.Ceil((1.0 - b.tokens) / l.refillRate()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Cleanup drops buckets not used within maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientIP returns the remote host of r without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientIP(r)
		if !l.Allow(key) {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(key)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
