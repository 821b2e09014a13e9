package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/internal/metrics"
	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/registry"
)

// InboundResult tells the relayer what a delivered payload produced, so it can
// drive the counterpart leg on the originating ledger.
type InboundResult struct {
	Kind   bridge.PayloadKind
	ID     common.Hash
	Shares *big.Int // deposit: vault shares issued on this ledger
	Amount *big.Int // deposit: bridged value; withdrawal/return: stable asset moved
}

// HandleInbound processes one physical bridge delivery on this ledger.
// Value-only chunks (no payload) return (nil, nil): the value already sits in
// escrow and the intent travels with exactly one sibling message.
//
// The transport delivers at least once; the payload hash is consumed from the
// dedup set before any vault interaction, in the same atomic step. A payload
// that then fails (inactive vault, slippage, tripped breaker) is NOT retried
// here — per-leg retry is forbidden, and the source ledger's timeout recovery
// is the only rollback path.
func (p *Processor) HandleInbound(ctx context.Context, d bridge.Delivery) (*InboundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(d.Payload) == 0 {
		p.logger.Debug("Value-only bridge chunk received",
			zap.Uint64("nonce", d.Nonce),
			zap.String("amount", d.Amount.String()))
		return nil, nil
	}
	if d.Recipient != p.cfg.Escrow {
		return nil, fmt.Errorf("%w: payload bound to %s, this contract is %s",
			ErrUnauthorizedCaller, d.Recipient.Hex(), p.cfg.Escrow.Hex())
	}

	payload, err := bridge.DecodePayload(d.Payload)
	if err != nil {
		return nil, err
	}

	h, err := payload.Hash()
	if err != nil {
		return nil, err
	}
	fresh, err := p.store.MarkMessageProcessed(ctx, h)
	if err != nil {
		return nil, err
	}
	if !fresh {
		metrics.DuplicateMessages.Inc()
		return nil, fmt.Errorf("%w: payload %s", ErrDuplicateMessage, h.Hex())
	}

	now := p.cfg.Now()
	if payload.Expired(now) {
		return nil, fmt.Errorf("%w: payload %s", ErrDeadlineExceeded, payload.ID.Hex())
	}

	switch payload.Kind {
	case bridge.PayloadDeposit:
		return p.inboundDeposit(ctx, payload)
	case bridge.PayloadWithdrawal:
		return p.inboundWithdrawal(ctx, payload)
	case bridge.PayloadReturn:
		if err := p.completeWithdrawalLocked(ctx, payload.ID, payload.Amount); err != nil {
			return nil, err
		}
		return &InboundResult{Kind: payload.Kind, ID: payload.ID, Amount: payload.Amount}, nil
	default:
		return nil, fmt.Errorf("unhandled payload kind %s", payload.Kind)
	}
}

// inboundDeposit performs the destination leg of a deposit: re-validate the
// vault, enforce the slippage floor on the current quote, move the bridged
// value in, and record the new share total through the circuit breaker. The
// floor must clear before Deposit runs: the payload hash is already consumed,
// so a failure after the vault call would strand escrow-owned shares with no
// rollback leg.
func (p *Processor) inboundDeposit(ctx context.Context, payload *bridge.Payload) (*InboundResult, error) {
	if err := p.registry.ValidateOperation(ctx, p.cfg.LocalChain, payload.Vault, p.cfg.Escrow, payload.Amount); err != nil {
		return nil, err
	}

	h, err := p.registry.Handle(p.cfg.LocalChain, payload.Vault)
	if err != nil {
		return nil, err
	}
	floor, err := h.ConvertToAssets(ctx, payload.MinOut)
	if err != nil {
		return nil, fmt.Errorf("quoting share floor: %w", err)
	}
	if payload.Amount.Cmp(floor) < 0 {
		return nil, fmt.Errorf("%w: %s buys fewer than %s shares", ErrSlippageExceeded, payload.Amount, payload.MinOut)
	}
	shares, err := h.Deposit(ctx, payload.Amount, p.cfg.Escrow)
	if err != nil {
		return nil, fmt.Errorf("vault deposit: %w", err)
	}

	if err := p.recordShareDelta(ctx, payload.Vault, shares); err != nil {
		return nil, err
	}

	p.logger.Info("Inbound deposit executed",
		zap.String("id", payload.ID.Hex()),
		zap.String("vault", payload.Vault.Hex()),
		zap.String("shares", shares.String()))
	return &InboundResult{Kind: payload.Kind, ID: payload.ID, Shares: shares, Amount: payload.Amount}, nil
}

// inboundWithdrawal redeems vault shares for the stable asset and bridges it
// back to the source ledger keyed by the withdrawal ID.
func (p *Processor) inboundWithdrawal(ctx context.Context, payload *bridge.Payload) (*InboundResult, error) {
	peer, ok := p.cfg.Peers[payload.SourceChain]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", ErrUnknownDestination, payload.SourceChain)
	}
	if !p.registry.IsActive(p.cfg.LocalChain, payload.Vault) {
		return nil, fmt.Errorf("%w: %d/%s", registry.ErrVaultInactive, p.cfg.LocalChain, payload.Vault.Hex())
	}

	h, err := p.registry.Handle(p.cfg.LocalChain, payload.Vault)
	if err != nil {
		return nil, err
	}
	// Same discipline as the deposit leg: check the floor on the quote
	// before shares leave the vault.
	quote, err := h.ConvertToAssets(ctx, payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("quoting redemption: %w", err)
	}
	if quote.Cmp(payload.MinOut) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, quote, payload.MinOut)
	}
	amount, err := h.Redeem(ctx, payload.Amount, p.cfg.Escrow, p.cfg.Escrow)
	if err != nil {
		return nil, fmt.Errorf("vault redeem: %w", err)
	}

	if err := p.recordShareDelta(ctx, payload.Vault, new(big.Int).Neg(payload.Amount)); err != nil {
		return nil, err
	}

	ret := &bridge.Payload{
		Kind:        bridge.PayloadReturn,
		ID:          payload.ID,
		SourceChain: p.cfg.LocalChain,
		Vault:       payload.Vault,
		Beneficiary: payload.Beneficiary,
		Amount:      amount,
		MinOut:      new(big.Int).Set(payload.MinOut),
		Deadline:    payload.Deadline,
	}
	enc, err := ret.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := p.adapter.SendWithMessage(ctx, payload.SourceChain, peer, peer, amount, enc); err != nil {
		return nil, err
	}

	p.logger.Info("Inbound withdrawal redeemed",
		zap.String("id", payload.ID.Hex()),
		zap.String("amount", amount.String()))
	return &InboundResult{Kind: payload.Kind, ID: payload.ID, Amount: amount}, nil
}

// recordShareDelta folds a share movement into the registry's total for a
// local vault, which also runs the price circuit breaker.
func (p *Processor) recordShareDelta(ctx context.Context, vaultAddr common.Address, delta *big.Int) error {
	info, err := p.registry.Get(p.cfg.LocalChain, vaultAddr)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(info.TotalShares, delta)
	if total.Sign() < 0 {
		total = new(big.Int)
	}
	return p.registry.UpdateShares(ctx, p.cfg.LocalChain, vaultAddr, total)
}
