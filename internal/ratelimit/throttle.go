package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ThrottleConfig configures the per-client request throttle.
type ThrottleConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultThrottleConfig allows one request per second with bursts of 10.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Throttle is a process-local token bucket per client IP. It guards the
// HTTP surface against floods before any store work is done; it is not a
// substitute for the per-user Limiter.
type Throttle struct {
	cfg     ThrottleConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewThrottle creates a throttle and starts its cleanup goroutine.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	t := &Throttle{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go t.cleanup()
	return t
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := t.now().Add(-2 * t.cfg.CleanupInterval)
			t.mu.Lock()
			for k, b := range t.buckets {
				if b.seen.Before(cutoff) {
					delete(t.buckets, k)
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Allow takes one token from key's bucket.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[key]
	if !ok {
		t.buckets[key] = &bucket{tokens: float64(t.cfg.BurstSize - 1), seen: now}
		return t.cfg.BurstSize > 0
	}

	rate := float64(t.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+now.Sub(b.seen).Seconds()*rate, float64(t.cfg.BurstSize))
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware throttles by client IP.
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "too_many_requests",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
