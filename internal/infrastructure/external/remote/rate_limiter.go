package remote

import (
	"context"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - token bucket
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiterConfig configures the client-side token bucket.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// WaitTimeout caps how long Allow blocks for a token.
	WaitTimeout time.Duration

	// RetryAfter is used when a 429 carries no Retry-After header.
	RetryAfter time.Duration
}

// DefaultRateLimiterConfig lets a drain of a full queue through in a few seconds.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		WaitTimeout:       5 * time.Second,
		RetryAfter:        30 * time.Second,
	}
}

// RateLimiter is a token bucket that also honours server-sent Retry-After.
type RateLimiter struct {
	mu sync.Mutex

	cfg        RateLimiterConfig
	tokens     float64
	lastRefill time.Time
	holdUntil  time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRateLimiterConfig().RetryAfter
	}
	return &RateLimiter{
		cfg:        cfg,
		tokens:     float64(cfg.BurstSize),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow blocks until a token is available, the wait would exceed
// WaitTimeout, or ctx is done.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	deadline := rl.now().Add(rl.cfg.WaitTimeout)

	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if rl.cfg.WaitTimeout > 0 && rl.now().Add(wait).After(deadline) {
			return shared.WrapError("remote", "RateLimit", shared.ErrRemoteRateLimited,
				"retry after "+wait.Round(time.Millisecond).String(), nil)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire returns how long to wait when no token is available.
func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.holdUntil) {
		return rl.holdUntil.Sub(now), false
	}
	rl.refill(now)

	if rl.tokens < 1 {
		need := 1 - rl.tokens
		return time.Duration(need / rl.cfg.RequestsPerSecond * float64(time.Second)), false
	}
	rl.tokens--
	return 0, true
}

// refill must be called with mu held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.cfg.RequestsPerSecond
	if capacity := float64(rl.cfg.BurstSize); rl.tokens > capacity {
		rl.tokens = capacity
	}
	rl.lastRefill = now
}

// RecordRateLimitHit empties the bucket and holds all requests for retryAfter.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = rl.cfg.RetryAfter
	}
	rl.tokens = 0
	rl.lastRefill = rl.now()
	if until := rl.now().Add(retryAfter); until.After(rl.holdUntil) {
		rl.holdUntil = until
	}
}

// RateLimiterStatus is a point-in-time view of the limiter.
type RateLimiterStatus struct {
	AvailableTokens float64   `json:"availableTokens"`
	HoldUntil       time.Time `json:"holdUntil,omitempty"`
}

// Status returns the limiter state.
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(rl.now())
	return RateLimiterStatus{AvailableTokens: rl.tokens, HoldUntil: rl.holdUntil}
}

// Reset refills the bucket and clears any hold.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = float64(rl.cfg.BurstSize)
	rl.lastRefill = rl.now()
	rl.holdUntil = time.Time{}
}
