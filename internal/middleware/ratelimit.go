// Package middleware holds gin middleware that sits in front of the
// dispatch service's distributed limiter: a cheap per-client token bucket
// that rejects obvious floods before they spend a Redis round trip.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a simple token bucket rate limiter.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	lastRefill time.Time
	refillRate time.Duration
	mu         sync.Mutex
}

func newTokenBucket(maxTokens int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		lastRefill: time.Now(),
		refillRate: refillRate,
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.lastRefill); elapsed >= b.refillRate {
		tokensToAdd := int(elapsed / b.refillRate)
		b.tokens = min(b.maxTokens, b.tokens+tokensToAdd)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// IngressLimiter throttles requests per client IP, ahead of the
// dispatch package's tenant-scoped distributed limiter.
type IngressLimiter struct {
	buckets    map[string]*tokenBucket
	mu         sync.RWMutex
	maxTokens  int
	refillRate time.Duration
}

// NewIngressLimiter creates an ingress limiter allowing maxTokens requests
// per client, refilling one token every refillRate.
func NewIngressLimiter(maxTokens int, refillRate time.Duration) *IngressLimiter {
	return &IngressLimiter{
		buckets:    make(map[string]*tokenBucket),
		maxTokens:  maxTokens,
		refillRate: refillRate,
	}
}

// Middleware returns a gin.HandlerFunc rejecting requests once the calling
// client's bucket is exhausted, with a 429 and a Retry-After hint.
func (m *IngressLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := m.getBucket(c.ClientIP())
		if !bucket.allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "ingress_rate_limited", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

func (m *IngressLimiter) getBucket(key string) *tokenBucket {
	m.mu.RLock()
	bucket, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return bucket
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok = m.buckets[key]; !ok {
		bucket = newTokenBucket(m.maxTokens, m.refillRate)
		m.buckets[key] = bucket
	}
	return bucket
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
