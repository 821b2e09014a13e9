package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/crossvault/middleware/pkg/vault"
)

// TokenBucket admits bridged value against a capacity that refills linearly
// over the window. It implements vault.RateLimiter.
type TokenBucket struct {
	mu        sync.Mutex
	capacity  *big.Int
	window    time.Duration
	available *big.Int
	last      time.Time
	now       func() time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity *big.Int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:  new(big.Int).Set(capacity),
		window:    window,
		available: new(big.Int).Set(capacity),
		now:       time.Now,
	}
}

// Consume admits amount or returns vault.ErrRateLimitExceeded. Partial
// admission is never granted.
func (b *TokenBucket) Consume(_ context.Context, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount %s", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s requested, %s available",
			vault.ErrRateLimitExceeded, amount, b.available)
	}
	b.available.Sub(b.available, amount)
	return nil
}

func (b *TokenBucket) refill() {
	now := b.now()
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 {
		return
	}
	if elapsed >= b.window {
		b.available.Set(b.capacity)
		return
	}

	refill := new(big.Int).Mul(b.capacity, big.NewInt(int64(elapsed)))
	refill.Div(refill, big.NewInt(int64(b.window)))
	b.available.Add(b.available, refill)
	if b.available.Cmp(b.capacity) > 0 {
		b.available.Set(b.capacity)
	}
}
