package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, perMinute, burst int) *Limiter {
	t.Helper()
	l := New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(l.Stop)
	return l
}

func TestBurstThenDeny(t *testing.T) {
	l := newLimiter(t, 60, 4)

	for i := 0; i < 4; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst should pass", i)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Error("request beyond burst should be denied")
	}
}

func TestTokensReplenishOverTime(t *testing.T) {
	l := newLimiter(t, 600, 1) // 10 tokens/sec

	if !l.Allow("k") {
		t.Fatal("first request should pass")
	}
	if l.Allow("k") {
		t.Error("second immediate request should be denied")
	}

	time.Sleep(120 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("request after replenishment window should pass")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	l := newLimiter(t, 60, 2)

	l.Allow("client-a")
	l.Allow("client-a")
	if l.Allow("client-a") {
		t.Error("client-a should be exhausted")
	}
	if !l.Allow("client-b") {
		t.Error("client-b has its own bucket and should pass")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, 60, 1)

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("GET", "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", second.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
