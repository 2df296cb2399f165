package session

import (
	"sync"
	"time"
)

// Control-call limits per session. Input calls are not limited.
const (
	ControlRateLimit = 100
	ControlRateBurst = 200
)

// RateLimiter is a token bucket for a session's control calls (heartbeat,
// ping, measurement reports).
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket. A nil clock uses time.Now.
func NewRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens = min(rl.tokens+elapsed*rl.refillRate, rl.maxTokens)
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
