package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ---------------------------------------------------------------------------
// MemoryLimiter.Allow
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *MemoryLimiter {
	return NewMemoryLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

func allow(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow(%q) error: %v", key, err)
	}
	return d
}

func TestMemoryLimiter_NewClientAllowed(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()

	d := allow(t, rl, "client-a")
	if !d.Allowed {
		t.Error("Allowed = false for new client, want true")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 60 {
		t.Errorf("Limit = %d, want 60", d.Limit)
	}
}

func TestMemoryLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(1, burst)
	defer rl.Stop()

	for i := 0; i < burst; i++ {
		if !allow(t, rl, "burst-test").Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	d := allow(t, rl, "burst-test")
	if d.Allowed {
		t.Error("request past burst allowed, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
}

func TestMemoryLimiter_TokensRefillOverTime(t *testing.T) {
	// 6000 rpm = 100 tokens per second
	rl := newTestLimiter(6000, 1)
	defer rl.Stop()

	allow(t, rl, "refill")
	if allow(t, rl, "refill").Allowed {
		t.Fatal("second immediate request allowed, want denied")
	}
	time.Sleep(50 * time.Millisecond)
	if !allow(t, rl, "refill").Allowed {
		t.Error("request after refill denied, want allowed")
	}
}

func TestMemoryLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	allow(t, rl, "key-a")
	if allow(t, rl, "key-a").Allowed {
		t.Error("key-a second request allowed, want denied")
	}
	if !allow(t, rl, "key-b").Allowed {
		t.Error("key-b denied because of key-a, want allowed")
	}
}

func TestMemoryLimiter_StopIsIdempotent(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}

func TestMemoryLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewMemoryLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: 10 * time.Millisecond})
	defer rl.Stop()

	allow(t, rl, "stale")
	rl.mu.Lock()
	rl.buckets["stale"].lastUpdate = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rl.mu.Lock()
		_, ok := rl.buckets["stale"]
		rl.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("stale bucket not removed by cleanup")
}

// ---------------------------------------------------------------------------
// rateLimitKey
// ---------------------------------------------------------------------------

func TestRateLimitKey_UserID(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set(UserIDKey, "user-123")

	if got := rateLimitKey(c); got != "user:user-123" {
		t.Errorf("rateLimitKey() = %q, want user:user-123", got)
	}
}

func TestRateLimitKey_IPFallback(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.1:1234"

	if got := rateLimitKey(c); got != "ip:10.0.0.1" {
		t.Errorf("rateLimitKey() = %q, want ip:10.0.0.1", got)
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	rl := newTestLimiter(60, 10)
	defer rl.Stop()

	w := doGet(newRateLimitRouter(rl))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	doGet(r)
	w := doGet(r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", w.Header().Get("X-RateLimit-Remaining"))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := doGet(newRateLimitRouter(failingLimiter{}))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter errors", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RedisLimiter (integration)
// ---------------------------------------------------------------------------

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient("not a url"); err == nil {
		t.Error("NewRedisClient() error = nil, want error")
	}
}

func TestRedisLimiter_Integration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "redis")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	client, err := NewRedisClient(endpoint)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	rl := NewRedisLimiter(client, RateLimitConfig{RequestsPerMinute: 2, BurstSize: 2}, "test:")
	for i := 0; i < 2; i++ {
		if !allow(t, rl, "shared").Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	d := allow(t, rl, "shared")
	if d.Allowed {
		t.Error("third request allowed, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	if !allow(t, rl, "other").Allowed {
		t.Error("independent key denied, want allowed")
	}
}
