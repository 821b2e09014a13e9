package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/vault"
)

type fakeLimiter struct {
	consumeFn func(ctx context.Context, amount *big.Int) error
	consumed  []*big.Int
}

func (f *fakeLimiter) Consume(ctx context.Context, amount *big.Int) error {
	f.consumed = append(f.consumed, new(big.Int).Set(amount))
	if f.consumeFn != nil {
		return f.consumeFn(ctx, amount)
	}
	return nil
}

var (
	testRecipient = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testCaller    = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func TestSendWithMessage_SingleMessage(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	adapter := NewAdapter(transport, nil, zap.NewNop())

	payload := []byte("settle")
	nonces, err := adapter.SendWithMessage(context.Background(), 2, testRecipient, testCaller, big.NewInt(500_000), payload)
	if err != nil {
		t.Fatalf("SendWithMessage: %v", err)
	}
	if len(nonces) != 1 {
		t.Fatalf("expected 1 message, got %d", len(nonces))
	}

	msgs := transport.Drain(2)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msgs))
	}
	if msgs[0].Amount.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("amount = %s, want 500000", msgs[0].Amount)
	}
	if string(msgs[0].Payload) != "settle" {
		t.Errorf("payload = %q", msgs[0].Payload)
	}
	if msgs[0].Caller != testCaller {
		t.Errorf("caller = %s", msgs[0].Caller)
	}
	if msgs[0].SourceDomain != 1 || msgs[0].DestDomain != 2 {
		t.Errorf("domains = %d -> %d", msgs[0].SourceDomain, msgs[0].DestDomain)
	}
}

func TestSendWithMessage_ChunksAboveLimit(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	adapter := NewAdapter(transport, nil, zap.NewNop())

	amount := big.NewInt(2_500_000)
	nonces, err := adapter.SendWithMessage(context.Background(), 2, testRecipient, testCaller, amount, []byte("settle"))
	if err != nil {
		t.Fatalf("SendWithMessage: %v", err)
	}
	if len(nonces) != 3 {
		t.Fatalf("expected 3 messages for 2.5x limit, got %d", len(nonces))
	}

	msgs := transport.Drain(2)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(msgs))
	}

	total := new(big.Int)
	for i, m := range msgs {
		total.Add(total, m.Amount)
		if i == 0 {
			if len(m.Payload) == 0 {
				t.Error("first chunk must carry the payload")
			}
			if m.Caller != testCaller {
				t.Error("first chunk must carry the caller restriction")
			}
			continue
		}
		if len(m.Payload) != 0 {
			t.Errorf("chunk %d carries a payload", i)
		}
		if m.Caller != (common.Address{}) {
			t.Errorf("chunk %d carries a caller restriction", i)
		}
	}
	if total.Cmp(amount) != 0 {
		t.Errorf("chunks sum to %s, want %s", total, amount)
	}
}

func TestSendWithMessage_LimiterPerChunk(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	limiter := &fakeLimiter{}
	adapter := NewAdapter(transport, limiter, zap.NewNop())

	if _, err := adapter.SendWithMessage(context.Background(), 2, testRecipient, testCaller, big.NewInt(2_000_000), []byte("x")); err != nil {
		t.Fatalf("SendWithMessage: %v", err)
	}
	if len(limiter.consumed) != 2 {
		t.Fatalf("limiter consulted %d times, want 2", len(limiter.consumed))
	}
}

func TestSendWithMessage_RateLimited(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	limiter := &fakeLimiter{
		consumeFn: func(context.Context, *big.Int) error {
			return vault.ErrRateLimitExceeded
		},
	}
	adapter := NewAdapter(transport, limiter, zap.NewNop())

	_, err := adapter.SendWithMessage(context.Background(), 2, testRecipient, testCaller, big.NewInt(100), []byte("x"))
	if !errors.Is(err, vault.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
	if transport.Pending(2) != 0 {
		t.Error("rejected send must not queue a delivery")
	}
}

func TestSendWithMessage_InvalidArgs(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	adapter := NewAdapter(transport, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := adapter.SendWithMessage(ctx, 2, testRecipient, testCaller, nil, nil); err == nil {
		t.Error("expected error for nil amount")
	}
	if _, err := adapter.SendWithMessage(ctx, 2, testRecipient, testCaller, big.NewInt(0), nil); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := adapter.SendWithMessage(ctx, 2, common.Address{}, testCaller, big.NewInt(1), nil); err == nil {
		t.Error("expected error for zero recipient")
	}
}

func TestSendMessage_NoValue(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	adapter := NewAdapter(transport, nil, zap.NewNop())

	nonce, err := adapter.SendMessage(context.Background(), 2, testRecipient, testCaller, []byte("intent"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if nonce == 0 {
		t.Error("expected a nonce")
	}

	msgs := transport.Drain(2)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msgs))
	}
	if msgs[0].Amount.Sign() != 0 {
		t.Errorf("notification message moved value: %s", msgs[0].Amount)
	}

	if _, err := adapter.SendMessage(context.Background(), 2, testRecipient, testCaller, nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestMemoryTransport_AttestVerify(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1), []byte("secret"))
	adapter := NewAdapter(transport, nil, zap.NewNop())
	msg := []byte("completion")

	att := transport.Attest(msg)
	ok, err := adapter.Verify(context.Background(), msg, att)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true", ok, err)
	}

	ok, err = adapter.Verify(context.Background(), []byte("other"), att)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("attestation verified against the wrong message")
	}

	other := NewMemoryTransport(1, big.NewInt(1), []byte("different"))
	ok, err = other.Verify(context.Background(), msg, att)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("attestation verified under the wrong key")
	}
}

func TestMemoryTransport_Requeue(t *testing.T) {
	transport := NewMemoryTransport(1, big.NewInt(1_000_000), []byte("key"))
	adapter := NewAdapter(transport, nil, zap.NewNop())

	if _, err := adapter.SendWithMessage(context.Background(), 2, testRecipient, testCaller, big.NewInt(10), []byte("x")); err != nil {
		t.Fatalf("SendWithMessage: %v", err)
	}

	msgs := transport.Drain(2)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msgs))
	}
	if transport.Pending(2) != 0 {
		t.Error("drain must empty the queue")
	}

	transport.Requeue(msgs[0])
	again := transport.Drain(2)
	if len(again) != 1 || again[0].Nonce != msgs[0].Nonce {
		t.Errorf("requeued delivery lost: %+v", again)
	}
}
