package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestAllowBurstThenDeny(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		if !l.Allow("10.1.2.3") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("10.1.2.3") {
		t.Error("request past burst allowed")
	}
}

func TestAllowRefills(t *testing.T) {
	// 600/min = one token every 100ms.
	l := newLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})

	if !l.Allow("k") {
		t.Fatal("first request denied")
	}
	if l.Allow("k") {
		t.Fatal("immediate second request allowed")
	}

	time.Sleep(120 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("request after refill denied")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})

	l.Allow("client-a")
	l.Allow("client-a")
	if l.Allow("client-a") {
		t.Error("exhausted client allowed")
	}
	if !l.Allow("client-b") {
		t.Error("fresh client denied")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
