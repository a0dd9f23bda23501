package security

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/types"
)

// RateLimitResult reports the outcome of one rate-limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds the per-tier request budgets. Higher tiers buy more
// throughput, so the limit is a property of the tier, not the caller.
type RateLimitConfig struct {
	Enabled         bool               `yaml:"enabled"`
	PerTierPerMin   map[types.Tier]int `yaml:"per_tier_per_minute"`
	CleanupInterval time.Duration      `yaml:"cleanup_interval"`
}

// TierRateLimiter keeps one token bucket per (caller, tier) pair so a noisy
// caller cannot starve the rest of its tier.
type TierRateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// DefaultTierLimits matches the documented tier budgets.
func DefaultTierLimits() map[types.Tier]int {
	return map[types.Tier]int{
		types.TierBasic:      30,
		types.TierPremium:    120,
		types.TierEnterprise: 600,
	}
}

func NewTierRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *TierRateLimiter {
	if config.PerTierPerMin == nil {
		config.PerTierPerMin = DefaultTierLimits()
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rl := &TierRateLimiter{
		config:      config,
		logger:      logger,
		buckets:     make(map[string]*tokenBucket),
		stopCleanup: make(chan struct{}),
	}

	if config.Enabled {
		rl.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go rl.cleanupLoop()
	}

	return rl
}

// Allow consumes one token from the caller's bucket for the tier.
func (rl *TierRateLimiter) Allow(callerKey string, tier types.Tier) *RateLimitResult {
	limit := rl.config.PerTierPerMin[tier]
	if !rl.config.Enabled || limit <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: limit}
	}

	bucket := rl.getOrCreateBucket(callerKey+"/"+string(tier), limit)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	refillRate := float64(limit) / 60.0 // tokens per second
	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * refillRate
	if bucket.tokens > float64(limit) {
		bucket.tokens = float64(limit)
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return &RateLimitResult{Allowed: true, Remaining: int(bucket.tokens)}
	}

	retryAfter := time.Duration((1 - bucket.tokens) / refillRate * float64(time.Second))
	return &RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// Stop halts the cleanup loop.
func (rl *TierRateLimiter) Stop() {
	if !rl.config.Enabled {
		return
	}
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stopCleanup)
	})
}

func (rl *TierRateLimiter) getOrCreateBucket(key string, limit int) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(limit), lastRefill: time.Now()}
		rl.buckets[key] = bucket
	}
	return bucket
}

// cleanupLoop drops buckets idle long enough to have fully refilled; they
// are indistinguishable from fresh ones.
func (rl *TierRateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			cutoff := time.Now().Add(-2 * rl.config.CleanupInterval)
			rl.mu.Lock()
			for key, bucket := range rl.buckets {
				bucket.mu.Lock()
				idle := bucket.lastRefill.Before(cutoff)
				bucket.mu.Unlock()
				if idle {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}
