package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/internal/metrics"
	"github.com/crossvault/middleware/pkg/vault"
)

// Adapter issues value transfers with an attached settlement payload,
// absorbing the transport's per-message burn limit by batching. The payload
// and the recipient-contract caller restriction travel with exactly one
// message: splitting moves value, not intent, so a chunked send must never
// produce a second settlement trigger on the destination ledger.
type Adapter struct {
	transport Transport
	limiter   vault.RateLimiter
	logger    *zap.Logger
}

// NewAdapter wraps a transport. limiter may be nil when no rate limiting is
// configured.
func NewAdapter(transport Transport, limiter vault.RateLimiter, logger *zap.Logger) *Adapter {
	return &Adapter{
		transport: transport,
		limiter:   limiter,
		logger:    logger,
	}
}

// SendWithMessage transfers amount to recipient on destDomain, attaching the
// encoded payload to the first message and restricting it to caller. Amounts
// above the burn limit are split into ceil(amount/limit) messages whose values
// sum exactly to amount; trailing messages carry no payload and no caller
// restriction. The rate limiter is consulted once per physical message, at
// send time, because its capacity refills on wall-clock time.
func (a *Adapter) SendWithMessage(ctx context.Context, destDomain uint32, recipient, caller common.Address, amount *big.Int, payload []byte) ([]uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("invalid bridge amount")
	}
	if recipient == (common.Address{}) {
		return nil, errors.New("zero recipient contract")
	}

	limit, err := a.transport.PerMessageLimit(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying burn limit: %w", err)
	}
	if limit == nil || limit.Sign() <= 0 {
		return nil, errors.New("transport reports no burn capacity")
	}

	var nonces []uint64
	remaining := new(big.Int).Set(amount)
	first := true
	for remaining.Sign() > 0 {
		chunk := new(big.Int).Set(remaining)
		if chunk.Cmp(limit) > 0 {
			chunk.Set(limit)
		}

		if a.limiter != nil {
			if err := a.limiter.Consume(ctx, chunk); err != nil {
				return nonces, fmt.Errorf("bridge message rejected: %w", err)
			}
		}

		msgPayload := []byte(nil)
		msgCaller := common.Address{}
		if first {
			msgPayload = payload
			msgCaller = caller
		}

		nonce, err := a.transport.Send(ctx, chunk, destDomain, recipient, msgCaller, msgPayload)
		if err != nil {
			return nonces, fmt.Errorf("bridge send: %w", err)
		}
		nonces = append(nonces, nonce)
		metrics.BridgeMessages.WithLabelValues(fmt.Sprintf("%d", destDomain)).Inc()

		remaining.Sub(remaining, chunk)
		first = false
	}

	a.logger.Debug("Bridge transfer dispatched",
		zap.Uint32("dest_domain", destDomain),
		zap.String("amount", amount.String()),
		zap.Int("messages", len(nonces)))
	return nonces, nil
}

// SendMessage dispatches a value-less notification message. Used for
// withdrawal intents, which move no funds until the destination leg redeems.
func (a *Adapter) SendMessage(ctx context.Context, destDomain uint32, recipient, caller common.Address, payload []byte) (uint64, error) {
	if recipient == (common.Address{}) {
		return 0, errors.New("zero recipient contract")
	}
	if len(payload) == 0 {
		return 0, errors.New("empty payload")
	}
	nonce, err := a.transport.Send(ctx, new(big.Int), destDomain, recipient, caller, payload)
	if err != nil {
		return 0, fmt.Errorf("bridge send: %w", err)
	}
	metrics.BridgeMessages.WithLabelValues(fmt.Sprintf("%d", destDomain)).Inc()
	return nonce, nil
}

// Verify checks a transport attestation over message bytes.
func (a *Adapter) Verify(ctx context.Context, message, attestation []byte) (bool, error) {
	return a.transport.Verify(ctx, message, attestation)
}
