package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_WebhookBurstThenThrottle(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	// A provider redelivering a backlog of webhooks spikes within the burst.
	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("delivery %d within the burst must pass", i)
		}
	}

	if l.Allow("203.0.113.7") {
		t.Fatal("delivery past the burst must be throttled")
	}

	// One token refills per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("203.0.113.7") {
		t.Fatal("refilled bucket must admit the next delivery")
	}
}

func TestAllow_CallersThrottledIndependently(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("203.0.113.7")
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("exhausted caller must be throttled")
	}

	if !l.Allow("198.51.100.2") {
		t.Fatal("a different caller has its own bucket")
	}
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerMinute: 6000, BurstSize: 2})

	l.Allow("203.0.113.7")
	l.Allow("203.0.113.7")
	time.Sleep(200 * time.Millisecond) // Far more refill than the cap

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("203.0.113.7") {
			allowed++
		}
	}
	if allowed > 2 {
		t.Fatalf("%d requests passed after idle, burst cap is 2", allowed)
	}
}

func TestMiddleware_RejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/webhooks/stripe", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = "203.0.113.7:4433"
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", w.Code)
	}

	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled delivery status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response must carry Retry-After")
	}
}

func TestMiddleware_APIKeyGetsOwnBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(auth string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
		req.RemoteAddr = "203.0.113.7:4433"
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(""); code != http.StatusOK {
		t.Fatalf("anonymous request status = %d, want 200", code)
	}
	// Same IP, but the keyed caller is bucketed separately.
	if code := do("Bearer pk_live_abc123"); code != http.StatusOK {
		t.Fatalf("keyed request status = %d, want 200", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
