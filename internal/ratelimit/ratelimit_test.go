package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllow(t *testing.T) {
	l := New(10)
	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("11th request should be denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other clients have their own bucket")
	}
}

func TestUnlimited(t *testing.T) {
	l := New(0)
	for i := 0; i < 1000; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if l.Len() != 0 {
		t.Error("unlimited limiter should not track buckets")
	}
}

func TestRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(60)
	l.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		l.Allow("a")
	}
	if l.Allow("a") {
		t.Fatal("should be limited after exhausting tokens")
	}
	if got := l.RetryAfter("a"); got != 1 {
		t.Errorf("expected Retry-After 1, got %d", got)
	}

	now = now.Add(1100 * time.Millisecond)
	if !l.Allow("a") {
		t.Error("should be allowed after refill")
	}
}

func TestCleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(5)
	l.now = func() time.Time { return now }
	l.Allow("old")
	now = now.Add(time.Hour)
	l.Allow("new")

	l.Cleanup(10 * time.Minute)
	if l.Len() != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", l.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l := New(1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/wifi_clear", nil)
	req.RemoteAddr = "192.168.4.2:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[fe80::1]:80"
	if got := ClientIP(r); got != "fe80::1" {
		t.Errorf("unexpected ip %q", got)
	}
	r.RemoteAddr = "garbage"
	if got := ClientIP(r); got != "garbage" {
		t.Errorf("unexpected ip %q", got)
	}
}
