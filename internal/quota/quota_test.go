package quota

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rpm int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(rpm)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.Enabled() {
		t.Fatal("rpm=0 must be unlimited")
	}
	for i := 0; i < 1000; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow("a")
	}
	if rl.Allow("a") {
		t.Error("should be rate limited after exhausting tokens")
	}

	clock.advance(1100 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(60)
	for i := 0; i < 60; i++ {
		rl.Allow("a")
	}
	if got := rl.RetryAfter("a"); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}
	if got := rl.RetryAfter("unknown"); got != 0 {
		t.Errorf("expected 0 for unknown client, got %d", got)
	}
}

func TestRateLimiterMultipleClients(t *testing.T) {
	rl, _ := newTestLimiter(5)
	for i := 0; i < 5; i++ {
		rl.Allow("a")
	}
	if rl.Allow("a") {
		t.Error("client a should be rate limited")
	}
	if !rl.Allow("b") {
		t.Error("client b should not be affected by client a's limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(10)
	rl.Allow("a")
	clock.advance(2 * time.Hour)
	rl.Allow("b")

	rl.Cleanup(time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) != 1 || rl.buckets["b"] == nil {
		t.Errorf("expected only bucket b after cleanup, got %d buckets", len(rl.buckets))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(2)
	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	// Another port on the same host shares the bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
	req.RemoteAddr = "192.0.2.7:6666"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same host, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RateLimitMiddleware(NewRateLimiter(0))(next)
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
}
