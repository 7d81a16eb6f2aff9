// Package ratelimit throttles API callers with a token bucket per caller.
// Endpoints that call the generation or embedding service can be given a
// higher cost so they drain a caller's budget faster.
package ratelimit

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// UserHeader identifies the caller when present; the client IP is used otherwise.
const UserHeader = "X-User-ID"

// DefaultCosts weights the routes that do model work.
var DefaultCosts = map[string]int{
	"/aggregation/synthesize":  10,
	"/recommendations/refresh": 3,
	"/items":                   2,
	"/search":                  1,
}

type Config struct {
	MaxRequestsPerMinute int
	// Costs maps a route suffix to the tokens one request takes. Unlisted
	// routes cost 1.
	Costs  map[string]int
	Logger *zap.Logger
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

type Limiter struct {
	capacity float64
	costs    map[string]int
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.Costs == nil {
		cfg.Costs = DefaultCosts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	l := &Limiter{
		capacity: float64(cfg.MaxRequestsPerMinute),
		costs:    cfg.Costs,
		logger:   cfg.Logger,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		done:     make(chan struct{}),
	}
	go l.sweep(5*time.Minute, 10*time.Minute)
	return l
}

func (l *Limiter) costOf(path string) int {
	best, cost := 0, 1
	for suffix, c := range l.costs {
		if strings.HasSuffix(path, suffix) && len(suffix) > best {
			best, cost = len(suffix), c
		}
	}
	return max(cost, 1)
}

// Take removes cost tokens from key's bucket. When the bucket is short it
// returns false and how long until enough tokens have accumulated.
func (l *Limiter) Take(key string, cost int) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastSeen: l.now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.tokens = math.Min(l.capacity, b.tokens+now.Sub(b.lastSeen).Seconds()*l.capacity/60)
	b.lastSeen = now

	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	wait := time.Duration((need - b.tokens) * 60 / l.capacity * float64(time.Second))
	return false, wait
}

func (l *Limiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(UserHeader)
		if key == "" {
			key = c.IP()
		}

		ok, wait := l.Take(key, l.costOf(c.Path()))
		if ok {
			return c.Next()
		}

		retry := int(math.Ceil(wait.Seconds()))
		l.logger.Warn("Rate limit exceeded",
			zap.String("caller", key),
			zap.String("path", c.Path()),
			zap.Int("retry_after_s", retry),
		)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "rate limit exceeded, try again later",
		})
	}
}

func (l *Limiter) sweep(every, idle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.evictIdle(idle)
		}
	}
}

func (l *Limiter) evictIdle(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := now.Sub(b.lastSeen) > idle
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}
