// Package ratelimit provides token-bucket rate limiting middleware for the
// ledger API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "creditledger",
	Subsystem: "http",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejected)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle keys are dropped
	CleanupInterval time.Duration
	// ExemptPrefixes are path prefixes never limited (gateway webhooks,
	// health probes): the caller retries on its own schedule.
	ExemptPrefixes []string
	// KeyFunc picks the bucket for a request. Defaults to client IP.
	KeyFunc func(c *gin.Context) string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics", "/v1/webhooks/"},
	}
}

// Limiter tracks token buckets by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides the time source (for testing).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key. When the bucket is empty it returns false
// and how long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	state.tokens += now.Sub(state.lastCheck).Seconds() * perSecond
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}
	wait := time.Duration((1 - state.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Middleware returns a gin middleware limiting by Config.KeyFunc.
func (l *Limiter) Middleware() gin.HandlerFunc {
	keyFn := l.cfg.KeyFunc
	if keyFn == nil {
		keyFn = func(c *gin.Context) string { return "ip:" + c.ClientIP() }
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range l.cfg.ExemptPrefixes {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}

		ok, wait := l.Allow(keyFn(c))
		if !ok {
			rejected.Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
