package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openalpha/simexchange/metrics"
)

// RateLimiter is a token-bucket limiter keyed by client IP, with a stricter
// per-key bucket for order submission endpoints.
type RateLimiter struct {
	config *Config

	buckets      map[string]*bucket
	bucketsMu    sync.RWMutex
	orderBuckets map[string]*bucket
	orderMu      sync.RWMutex

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// Config bounds request rates.
type Config struct {
	RequestsPerSecond int           // general requests per second per IP
	Burst             int           // general burst capacity
	OrdersPerSecond   int           // order submissions per second per key
	OrderBurst        int           // order burst capacity
	CleanupInterval   time.Duration // bucket sweep period
	BucketTTL         time.Duration // idle bucket lifetime
}

// DefaultConfig returns the default limits.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerSecond: 100,
		Burst:             200,
		OrdersPerSecond:   10,
		OrderBurst:        20,
		CleanupInterval:   5 * time.Minute,
		BucketTTL:         time.Hour,
	}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup sweep.
func NewRateLimiter(config *Config) *RateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	rl := &RateLimiter{
		config:        config,
		buckets:       make(map[string]*bucket),
		orderBuckets:  make(map[string]*bucket),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		stopCh:        make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop halts the cleanup sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
		rl.cleanupTicker.Stop()
	})
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.config.BucketTTL)

	rl.bucketsMu.Lock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if b.lastUpdate.Before(threshold) {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
	rl.bucketsMu.Unlock()

	rl.orderMu.Lock()
	for key, b := range rl.orderBuckets {
		b.mu.Lock()
		if b.lastUpdate.Before(threshold) {
			delete(rl.orderBuckets, key)
		}
		b.mu.Unlock()
	}
	rl.orderMu.Unlock()
}

func getBucket(m map[string]*bucket, mu *sync.RWMutex, key string, maxTokens, refillRate float64) *bucket {
	mu.RLock()
	b, ok := m[key]
	mu.RUnlock()
	if ok {
		return b
	}

	mu.Lock()
	defer mu.Unlock()
	if b, ok := m[key]; ok {
		return b
	}
	b = &bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastUpdate: time.Now(),
	}
	m[key] = b
	return b
}

// Allow reports whether a general request from ip may proceed. The second
// return value is the remaining token count.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	b := getBucket(rl.buckets, &rl.bucketsMu, ip,
		float64(rl.config.Burst), float64(rl.config.RequestsPerSecond))
	return b.take()
}

// AllowOrder reports whether an order submission keyed by key may proceed.
func (rl *RateLimiter) AllowOrder(key string) (bool, int) {
	b := getBucket(rl.orderBuckets, &rl.orderMu, key,
		float64(rl.config.OrderBurst), float64(rl.config.OrdersPerSecond))
	return b.take()
}

func (b *bucket) take() (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens)
	}
	return false, 0
}

// RateLimit wraps a handler with the general per-IP limit. Shed requests get
// the {code, msg} envelope with HTTP 429.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining := rl.Allow(ClientIP(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				metrics.Default().RecordRateLimitHit(r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code": -1003,
					"msg":  "Too many requests; current limit is " + strconv.Itoa(rl.config.RequestsPerSecond) + " requests per second.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller's address, honoring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	for i := len(ip) - 1; i >= 0; i-- {
		if ip[i] == ':' {
			return ip[:i]
		}
	}
	return ip
}
