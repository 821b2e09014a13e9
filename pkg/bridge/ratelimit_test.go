package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/crossvault/middleware/pkg/vault"
)

func TestTokenBucket_ConsumeAndExhaust(t *testing.T) {
	bucket := NewTokenBucket(big.NewInt(1000), time.Hour)
	ctx := context.Background()

	if err := bucket.Consume(ctx, big.NewInt(600)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := bucket.Consume(ctx, big.NewInt(400)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	err := bucket.Consume(ctx, big.NewInt(1))
	if !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
}

func TestTokenBucket_NoPartialAdmission(t *testing.T) {
	bucket := NewTokenBucket(big.NewInt(1000), time.Hour)
	ctx := context.Background()

	if err := bucket.Consume(ctx, big.NewInt(700)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := bucket.Consume(ctx, big.NewInt(500)); !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
	// The rejected request must not have drained the remainder.
	if err := bucket.Consume(ctx, big.NewInt(300)); err != nil {
		t.Fatalf("Consume after rejection: %v", err)
	}
}

func TestTokenBucket_LinearRefill(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	bucket := NewTokenBucket(big.NewInt(1000), time.Hour)
	bucket.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := bucket.Consume(ctx, big.NewInt(1000)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := bucket.Consume(ctx, big.NewInt(1)); !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}

	// Half the window restores half the capacity.
	clock = clock.Add(30 * time.Minute)
	if err := bucket.Consume(ctx, big.NewInt(500)); err != nil {
		t.Fatalf("Consume after half window: %v", err)
	}
	if err := bucket.Consume(ctx, big.NewInt(1)); !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}

	// A full window resets to capacity, never beyond.
	clock = clock.Add(2 * time.Hour)
	if err := bucket.Consume(ctx, big.NewInt(1000)); err != nil {
		t.Fatalf("Consume after full window: %v", err)
	}
	if err := bucket.Consume(ctx, big.NewInt(1)); !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
}

func TestTokenBucket_RejectsNegative(t *testing.T) {
	bucket := NewTokenBucket(big.NewInt(1000), time.Hour)
	if err := bucket.Consume(context.Background(), big.NewInt(-5)); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
