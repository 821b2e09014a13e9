package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/internal/metrics"
	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/position"
)

// Withdraw burns the caller's receipt token and starts unwinding the matching
// vault position. The burn is optimistic: the token is gone before the
// destination leg runs. If that leg never completes, CleanupTimedOutWithdrawal
// re-mints the receipt so the user is not left with neither token nor funds.
func (p *Processor) Withdraw(ctx context.Context, user common.Address, shares *big.Int, vaultAddr common.Address, destChain uint32, minAssets *big.Int, deadline time.Time) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if user == (common.Address{}) || vaultAddr == (common.Address{}) {
		return common.Hash{}, errors.New("zero address")
	}
	if shares == nil || shares.Sign() <= 0 {
		return common.Hash{}, errors.New("invalid share amount")
	}
	if minAssets == nil || minAssets.Sign() < 0 {
		return common.Hash{}, errors.New("invalid minimum assets")
	}
	now := p.cfg.Now()
	if now.After(deadline) {
		return common.Hash{}, fmt.Errorf("%w: deadline %s already past", ErrDeadlineExceeded, deadline)
	}

	key := position.Key(user, p.cfg.LocalChain, destChain, vaultAddr)
	pos, err := p.ledger.GetActive(key)
	if err != nil {
		return common.Hash{}, err
	}
	if shares.Cmp(pos.Shares) > 0 {
		return common.Hash{}, fmt.Errorf("withdrawing %s shares against position of %s", shares, pos.Shares)
	}

	if destChain == p.cfg.LocalChain {
		return p.withdrawLocal(ctx, user, vaultAddr, shares, minAssets, deadline, key, pos)
	}
	return p.withdrawRemote(ctx, user, vaultAddr, shares, destChain, minAssets, deadline, now)
}

// withdrawLocal redeems against a vault on this ledger synchronously. The
// slippage floor is enforced on the redemption quote before the receipt burn:
// the burn is irreversible and a local leg writes no pending record, so a
// floor failure past that point would have no recovery path.
func (p *Processor) withdrawLocal(ctx context.Context, user, vaultAddr common.Address, shares, minAssets *big.Int, deadline time.Time, key common.Hash, pos position.Position) (common.Hash, error) {
	h, err := p.registry.Handle(p.cfg.LocalChain, vaultAddr)
	if err != nil {
		return common.Hash{}, err
	}

	quote, err := h.ConvertToAssets(ctx, shares)
	if err != nil {
		return common.Hash{}, fmt.Errorf("quoting redemption: %w", err)
	}
	if quote.Cmp(minAssets) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, quote, minAssets)
	}

	if err := p.receipt.BurnFrom(ctx, user, shares); err != nil {
		return common.Hash{}, fmt.Errorf("burning receipt token: %w", err)
	}
	amount, err := h.Redeem(ctx, shares, user, p.cfg.Escrow)
	if err != nil {
		return common.Hash{}, fmt.Errorf("vault redeem: %w", err)
	}
	if err := p.debitPosition(key, pos, shares); err != nil {
		return common.Hash{}, err
	}

	nonce, err := p.store.NextNonce(ctx, user, p.cfg.LocalChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocating nonce: %w", err)
	}
	id := WithdrawalID(user, vaultAddr, shares, p.cfg.LocalChain, minAssets, deadline, nonce)

	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	p.logger.Info("Local withdrawal settled",
		zap.String("id", id.Hex()),
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()))
	return id, nil
}

// withdrawRemote records the pending withdrawal and notifies the destination
// ledger with a value-less bridge message.
func (p *Processor) withdrawRemote(ctx context.Context, user, vaultAddr common.Address, shares *big.Int, destChain uint32, minAssets *big.Int, deadline, now time.Time) (common.Hash, error) {
	peer, ok := p.cfg.Peers[destChain]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: chain %d", ErrUnknownDestination, destChain)
	}

	if err := p.receipt.BurnFrom(ctx, user, shares); err != nil {
		return common.Hash{}, fmt.Errorf("burning receipt token: %w", err)
	}

	nonce, err := p.store.NextNonce(ctx, user, destChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocating nonce: %w", err)
	}
	id := WithdrawalID(user, vaultAddr, shares, destChain, minAssets, deadline, nonce)

	wd := &PendingWithdrawal{
		ID:               id,
		User:             user,
		SourceChain:      p.cfg.LocalChain,
		DestinationChain: destChain,
		Vault:            vaultAddr,
		Shares:           new(big.Int).Set(shares),
		MinAssets:        new(big.Int).Set(minAssets),
		Deadline:         deadline,
		CreatedAt:        now,
		Nonce:            nonce,
	}
	if err := p.store.PutWithdrawal(ctx, wd); err != nil {
		return common.Hash{}, fmt.Errorf("recording pending withdrawal: %w", err)
	}

	payload := &bridge.Payload{
		Kind:        bridge.PayloadWithdrawal,
		ID:          id,
		SourceChain: p.cfg.LocalChain,
		Vault:       vaultAddr,
		Beneficiary: user,
		Amount:      new(big.Int).Set(shares),
		MinOut:      new(big.Int).Set(minAssets),
		Deadline:    uint64(deadline.Unix()),
	}
	enc, err := payload.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := p.adapter.SendMessage(ctx, destChain, peer, peer, enc); err != nil {
		return common.Hash{}, err
	}

	metrics.WithdrawalsTotal.WithLabelValues("pending").Inc()
	p.refreshPendingGauge(ctx)
	p.logger.Info("Withdrawal initiated",
		zap.String("id", id.Hex()),
		zap.String("user", user.Hex()),
		zap.Uint32("dest_chain", destChain),
		zap.String("shares", shares.String()))
	return id, nil
}

// CompleteWithdrawal releases returned funds to the user recorded in the
// pending entry and closes out the position. Bridge-authorized caller only.
func (p *Processor) CompleteWithdrawal(ctx context.Context, caller common.Address, id common.Hash, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.BridgeCaller {
		return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller.Hex())
	}
	return p.completeWithdrawalLocked(ctx, id, amount)
}

func (p *Processor) completeWithdrawalLocked(ctx context.Context, id common.Hash, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("invalid amount")
	}

	wd, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if wd == nil {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id.Hex())
	}
	if amount.Cmp(wd.MinAssets) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, amount, wd.MinAssets)
	}

	// Release strictly to the recorded user; the escrow pool is shared
	// across every pending operation and amounts alone identify nothing.
	if err := p.asset.Transfer(ctx, wd.User, amount); err != nil {
		return fmt.Errorf("releasing funds: %w", err)
	}

	key := position.Key(wd.User, wd.SourceChain, wd.DestinationChain, wd.Vault)
	if pos, perr := p.ledger.GetActive(key); perr != nil {
		// The receipt for these shares was already burned; a missing
		// position here means the ledger and the pending table disagree.
		p.logger.Warn("No active position behind completed withdrawal",
			zap.String("id", id.Hex()),
			zap.String("user", wd.User.Hex()),
			zap.Error(perr))
	} else if err := p.debitPosition(key, pos, wd.Shares); err != nil {
		return err
	}

	if _, err := p.store.DeleteWithdrawal(ctx, id); err != nil {
		return err
	}

	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	metrics.SettlementDuration.WithLabelValues("withdrawal").Observe(p.cfg.Now().Sub(wd.CreatedAt).Seconds())
	p.refreshPendingGauge(ctx)
	p.logger.Info("Withdrawal completed",
		zap.String("id", id.Hex()),
		zap.String("user", wd.User.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

// CleanupTimedOutWithdrawal re-mints the optimistically burned receipt token
// for a withdrawal whose destination leg never reported back. Permissionless
// and idempotent: once the record is deleted, a second call fails not-found.
func (p *Processor) CleanupTimedOutWithdrawal(ctx context.Context, id common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	wd, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if wd == nil {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id.Hex())
	}
	now := p.cfg.Now()
	if !IsStale(now, wd.CreatedAt, p.cfg.Timeout) {
		return fmt.Errorf("%w: recoverable after %s", ErrNotStale, wd.CreatedAt.Add(p.cfg.Timeout))
	}

	if err := p.receipt.Mint(ctx, wd.User, wd.Shares); err != nil {
		return fmt.Errorf("restoring receipt token: %w", err)
	}
	if _, err := p.store.DeleteWithdrawal(ctx, id); err != nil {
		return err
	}

	metrics.WithdrawalsTotal.WithLabelValues("recovered").Inc()
	metrics.StaleRecoveries.WithLabelValues("withdrawal").Inc()
	p.refreshPendingGauge(ctx)
	p.logger.Warn("Timed-out withdrawal cleaned up",
		zap.String("id", id.Hex()),
		zap.String("user", wd.User.Hex()))
	return nil
}

// debitPosition shrinks or closes an active position.
func (p *Processor) debitPosition(key common.Hash, pos position.Position, shares *big.Int) error {
	remaining := new(big.Int).Sub(pos.Shares, shares)
	if remaining.Sign() <= 0 {
		return p.positions.Close(key)
	}
	return p.positions.Update(key, remaining)
}
