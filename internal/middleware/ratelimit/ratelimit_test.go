package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClock(l *Limiter) *time.Time {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return &clock
}

func TestTake_RefillsOverTime(t *testing.T) {
	l := New(Config{MaxRequestsPerMinute: 2})
	defer l.Stop()
	clock := withClock(l)

	ok, _ := l.Take("u1", 1)
	assert.True(t, ok)
	ok, _ = l.Take("u1", 1)
	assert.True(t, ok)
	ok, wait := l.Take("u1", 1)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	ok, _ = l.Take("u2", 1)
	assert.True(t, ok)

	*clock = clock.Add(30 * time.Second)
	ok, _ = l.Take("u1", 1)
	assert.True(t, ok)
	ok, _ = l.Take("u1", 1)
	assert.False(t, ok)
}

func TestTake_CostDrainsFaster(t *testing.T) {
	l := New(Config{MaxRequestsPerMinute: 12})
	defer l.Stop()
	withClock(l)

	ok, _ := l.Take("u1", 10)
	assert.True(t, ok)
	ok, wait := l.Take("u1", 10)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, wait)
	ok, _ = l.Take("u1", 2)
	assert.True(t, ok)
}

func TestCostOf_LongestSuffixWins(t *testing.T) {
	l := New(Config{Costs: map[string]int{"/refresh": 2, "/recommendations/refresh": 5, "/free": 0}})
	defer l.Stop()

	assert.Equal(t, 5, l.costOf("/api/v1/recommendations/refresh"))
	assert.Equal(t, 2, l.costOf("/api/v1/decay/refresh"))
	assert.Equal(t, 1, l.costOf("/api/v1/health"))
	assert.Equal(t, 1, l.costOf("/api/v1/free"))
}

func TestEvictIdle(t *testing.T) {
	l := New(Config{MaxRequestsPerMinute: 5})
	defer l.Stop()
	clock := withClock(l)

	l.Take("u1", 1)
	*clock = clock.Add(11 * time.Minute)
	l.evictIdle(10 * time.Minute)
	assert.Empty(t, l.buckets)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(Config{})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeysByUserHeader(t *testing.T) {
	l := New(Config{MaxRequestsPerMinute: 1})
	defer l.Stop()

	app := fiber.New()
	app.Use(l.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	send := func(user string) (int, string) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(UserHeader, user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get(fiber.HeaderRetryAfter)
	}

	status, _ := send("alice")
	assert.Equal(t, fiber.StatusNoContent, status)
	status, retry := send("alice")
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.NotEmpty(t, retry)
	status, _ = send("bob")
	assert.Equal(t, fiber.StatusNoContent, status)
}
