package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/internal/metrics"
	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/position"
	"github.com/crossvault/middleware/pkg/registry"
	"github.com/crossvault/middleware/pkg/vault"
)

var (
	ErrDepositNotFound        = errors.New("deposit not found")
	ErrWithdrawalNotFound     = errors.New("withdrawal not found")
	ErrBridgeAlreadyCompleted = errors.New("bridge leg already completed")
	ErrBridgeNotCompleted     = errors.New("bridge leg not completed")
	ErrSharesAlreadyIssued    = errors.New("shares already issued")
	ErrDeadlineExceeded       = errors.New("deadline exceeded")
	ErrDuplicateMessage       = errors.New("message already processed")
	ErrInvalidAttestation     = errors.New("invalid attestation")
	ErrSlippageExceeded       = errors.New("output below slippage floor")
	ErrNotStale               = errors.New("operation not yet recoverable")
	ErrUnauthorizedCaller     = errors.New("caller not authorized")
	ErrUnknownDestination     = errors.New("no settlement peer for destination chain")
)

// DefaultTimeout is the recovery window for pending cross-chain operations.
const DefaultTimeout = 24 * time.Hour

// Config carries the per-ledger identity of a Processor.
type Config struct {
	// LocalChain is the chain/domain selector of the ledger this processor
	// executes on.
	LocalChain uint32
	// Escrow is the address holding escrowed stable-asset balances; also
	// the recipient contract bound into outbound bridge messages.
	Escrow common.Address
	// BridgeCaller is the only address allowed to invoke the destination
	// authorized completion entry points.
	BridgeCaller common.Address
	// Peers maps remote chain selectors to the settlement contract address
	// deployed there.
	Peers map[uint32]common.Address
	// Timeout is the stale-recovery window; zero selects DefaultTimeout.
	Timeout time.Duration
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Processor drives deposits and withdrawals on one ledger. Each exported
// method executes atomically with respect to the others; the cross-ledger
// protocol provides no such guarantee and is defended by the one-way
// completion flags, the dedup set, and the timeout recovery path.
type Processor struct {
	cfg       Config
	registry  *registry.Registry
	ledger    *position.Ledger
	positions *position.Writer
	adapter   *bridge.Adapter
	asset     vault.Asset
	receipt   vault.ReceiptToken
	store     Store
	logger    *zap.Logger

	mu sync.Mutex
}

// NewProcessor wires a settlement processor for one ledger. The position
// Writer must be the one created alongside ledger; handing it to the
// processor is what authorizes position mutations.
func NewProcessor(
	cfg Config,
	reg *registry.Registry,
	ledger *position.Ledger,
	positions *position.Writer,
	adapter *bridge.Adapter,
	asset vault.Asset,
	receipt vault.ReceiptToken,
	store Store,
	logger *zap.Logger,
) (*Processor, error) {
	if cfg.Escrow == (common.Address{}) {
		return nil, errors.New("escrow address required")
	}
	if positions == nil {
		return nil, errors.New("position writer required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		cfg:       cfg,
		registry:  reg,
		ledger:    ledger,
		positions: positions,
		adapter:   adapter,
		asset:     asset,
		receipt:   receipt,
		store:     store,
		logger:    logger,
	}, nil
}

// Registry exposes the vault table for operator surfaces.
func (p *Processor) Registry() *registry.Registry { return p.registry }

// Ledger exposes the read-only position table.
func (p *Processor) Ledger() *position.Ledger { return p.ledger }

// LocalChain returns this processor's chain selector.
func (p *Processor) LocalChain() uint32 { return p.cfg.LocalChain }

// Timeout returns the stale-recovery window.
func (p *Processor) Timeout() time.Duration { return p.cfg.Timeout }

// InitiateDeposit escrows amount of the stable asset from user and starts a
// deposit into the vault on destChain. The settlement variant is chosen once
// here: a vault local to this ledger settles synchronously, a remote vault
// goes through the bridge and leaves a PendingDeposit behind.
func (p *Processor) InitiateDeposit(ctx context.Context, user common.Address, vaultAddr common.Address, amount *big.Int, destChain uint32, minShares *big.Int, deadline time.Time) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if user == (common.Address{}) || vaultAddr == (common.Address{}) {
		return common.Hash{}, errors.New("zero address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, errors.New("invalid amount")
	}
	if minShares == nil || minShares.Sign() < 0 {
		return common.Hash{}, errors.New("invalid minimum shares")
	}
	now := p.cfg.Now()
	if now.After(deadline) {
		return common.Hash{}, fmt.Errorf("%w: deadline %s already past", ErrDeadlineExceeded, deadline)
	}
	if !p.registry.IsActive(destChain, vaultAddr) {
		return common.Hash{}, fmt.Errorf("%w: %d/%s", registry.ErrVaultInactive, destChain, vaultAddr.Hex())
	}

	if destChain == p.cfg.LocalChain {
		return p.initiateLocalDeposit(ctx, user, vaultAddr, amount, minShares, deadline, now)
	}
	return p.initiateRemoteDeposit(ctx, user, vaultAddr, amount, destChain, minShares, deadline, now)
}

// initiateLocalDeposit settles against a vault on this ledger in one step: no
// bridge message, no pending record.
func (p *Processor) initiateLocalDeposit(ctx context.Context, user, vaultAddr common.Address, amount, minShares *big.Int, deadline time.Time, now time.Time) (common.Hash, error) {
	if err := p.registry.ValidateOperation(ctx, p.cfg.LocalChain, vaultAddr, p.cfg.Escrow, amount); err != nil {
		return common.Hash{}, err
	}

	h, err := p.registry.Handle(p.cfg.LocalChain, vaultAddr)
	if err != nil {
		return common.Hash{}, err
	}
	// The floor is checked on the quote before any funds move; a synchronous
	// leg has no pending record to recover through.
	floor, err := h.ConvertToAssets(ctx, minShares)
	if err != nil {
		return common.Hash{}, fmt.Errorf("quoting share floor: %w", err)
	}
	if amount.Cmp(floor) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s buys fewer than %s shares", ErrSlippageExceeded, amount, minShares)
	}

	if err := p.asset.TransferFrom(ctx, user, p.cfg.Escrow, amount); err != nil {
		return common.Hash{}, fmt.Errorf("escrowing funds: %w", err)
	}
	shares, err := h.Deposit(ctx, amount, p.cfg.Escrow)
	if err != nil {
		return common.Hash{}, fmt.Errorf("vault deposit: %w", err)
	}

	nonce, err := p.store.NextNonce(ctx, user, p.cfg.LocalChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocating nonce: %w", err)
	}
	id := DepositID(user, vaultAddr, amount, p.cfg.LocalChain, minShares, deadline, nonce)

	if err := p.creditPosition(user, p.cfg.LocalChain, vaultAddr, shares); err != nil {
		return common.Hash{}, err
	}
	if err := p.receipt.Mint(ctx, user, shares); err != nil {
		return common.Hash{}, fmt.Errorf("minting receipt token: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues(StateSharesIssued.String()).Inc()
	metrics.SettlementDuration.WithLabelValues("deposit").Observe(p.cfg.Now().Sub(now).Seconds())
	p.logger.Info("Local deposit settled",
		zap.String("id", id.Hex()),
		zap.String("user", user.Hex()),
		zap.String("shares", shares.String()))
	return id, nil
}

// initiateRemoteDeposit escrows locally and hands the value to the bridge.
func (p *Processor) initiateRemoteDeposit(ctx context.Context, user, vaultAddr common.Address, amount *big.Int, destChain uint32, minShares *big.Int, deadline, now time.Time) (common.Hash, error) {
	peer, ok := p.cfg.Peers[destChain]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: chain %d", ErrUnknownDestination, destChain)
	}

	if err := p.asset.TransferFrom(ctx, user, p.cfg.Escrow, amount); err != nil {
		return common.Hash{}, fmt.Errorf("escrowing funds: %w", err)
	}

	nonce, err := p.store.NextNonce(ctx, user, destChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocating nonce: %w", err)
	}
	id := DepositID(user, vaultAddr, amount, destChain, minShares, deadline, nonce)

	dep := &PendingDeposit{
		ID:               id,
		User:             user,
		SourceChain:      p.cfg.LocalChain,
		DestinationChain: destChain,
		Vault:            vaultAddr,
		Amount:           new(big.Int).Set(amount),
		MinShares:        new(big.Int).Set(minShares),
		Deadline:         deadline,
		CreatedAt:        now,
		Nonce:            nonce,
	}
	if err := p.store.PutDeposit(ctx, dep); err != nil {
		return common.Hash{}, fmt.Errorf("recording pending deposit: %w", err)
	}

	payload := &bridge.Payload{
		Kind:        bridge.PayloadDeposit,
		ID:          id,
		SourceChain: p.cfg.LocalChain,
		Vault:       vaultAddr,
		Beneficiary: user,
		Amount:      new(big.Int).Set(amount),
		MinOut:      new(big.Int).Set(minShares),
		Deadline:    uint64(deadline.Unix()),
	}
	enc, err := payload.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := p.adapter.SendWithMessage(ctx, destChain, peer, peer, amount, enc); err != nil {
		// The escrow stays; the user recovers it through the timeout path
		// if the message never completes.
		return common.Hash{}, err
	}

	metrics.DepositsTotal.WithLabelValues(StatePendingBridge.String()).Inc()
	p.refreshPendingGauge(ctx)
	p.logger.Info("Deposit initiated",
		zap.String("id", id.Hex()),
		zap.String("user", user.Hex()),
		zap.Uint32("dest_chain", destChain),
		zap.String("amount", amount.String()))
	return id, nil
}

// ProcessBridgeCompletion consumes the value-bridge attestation for a pending
// deposit. The attestation proves the burned value is mintable on the
// destination ledger; it is independent of the settlement payload, may arrive
// in either order relative to it, and must never be consumable twice.
func (p *Processor) ProcessBridgeCompletion(ctx context.Context, id common.Hash, attestation []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dep, err := p.store.GetDeposit(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return fmt.Errorf("%w: %s", ErrDepositNotFound, id.Hex())
	}
	if dep.BridgeCompleted {
		return fmt.Errorf("%w: %s", ErrBridgeAlreadyCompleted, id.Hex())
	}
	now := p.cfg.Now()
	if now.After(dep.Deadline) {
		return fmt.Errorf("%w: deposit %s", ErrDeadlineExceeded, id.Hex())
	}

	msg := bridge.CompletionMessage(id, dep.Amount)
	ok, err := p.adapter.Verify(ctx, msg, attestation)
	if err != nil {
		return fmt.Errorf("verifying attestation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: deposit %s", ErrInvalidAttestation, id.Hex())
	}

	fresh, err := p.store.MarkMessageProcessed(ctx, crypto.Keccak256Hash(msg))
	if err != nil {
		return err
	}
	if !fresh {
		metrics.DuplicateMessages.Inc()
		return fmt.Errorf("%w: deposit %s", ErrDuplicateMessage, id.Hex())
	}

	dep.BridgeCompleted = true
	if err := p.store.UpdateDeposit(ctx, dep); err != nil {
		return err
	}

	metrics.DepositsTotal.WithLabelValues(StateBridgeCompleted.String()).Inc()
	p.logger.Info("Bridge leg completed", zap.String("id", id.Hex()))
	return nil
}

// MintSharesFromDeposit finishes a deposit: it mints the receipt token 1:1
// with the vault shares reported by the destination leg and credits the
// position ledger. Only the bridge-authorized caller may invoke it, only
// after the bridge leg completed, and only when the shares clear the slippage
// floor. The pending record is destroyed on success, so shares can never be
// issued twice for one deposit ID.
func (p *Processor) MintSharesFromDeposit(ctx context.Context, caller common.Address, id common.Hash, vaultShares *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.BridgeCaller {
		return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller.Hex())
	}
	if vaultShares == nil || vaultShares.Sign() <= 0 {
		return errors.New("invalid share amount")
	}

	dep, err := p.store.GetDeposit(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return fmt.Errorf("%w: %s", ErrDepositNotFound, id.Hex())
	}
	if !dep.BridgeCompleted {
		return fmt.Errorf("%w: %s", ErrBridgeNotCompleted, id.Hex())
	}
	if dep.SharesIssued {
		return fmt.Errorf("%w: %s", ErrSharesAlreadyIssued, id.Hex())
	}
	now := p.cfg.Now()
	if now.After(dep.Deadline) {
		return fmt.Errorf("%w: deposit %s", ErrDeadlineExceeded, id.Hex())
	}
	if vaultShares.Cmp(dep.MinShares) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, vaultShares, dep.MinShares)
	}

	if err := p.creditPosition(dep.User, dep.DestinationChain, dep.Vault, vaultShares); err != nil {
		return err
	}
	if err := p.receipt.Mint(ctx, dep.User, vaultShares); err != nil {
		return fmt.Errorf("minting receipt token: %w", err)
	}

	// Flag first, then destroy: a crash between the two leaves a terminal
	// record that recovery refuses to refund.
	dep.SharesIssued = true
	if err := p.store.UpdateDeposit(ctx, dep); err != nil {
		return err
	}
	if _, err := p.store.DeleteDeposit(ctx, id); err != nil {
		return err
	}

	metrics.DepositsTotal.WithLabelValues(StateSharesIssued.String()).Inc()
	metrics.SettlementDuration.WithLabelValues("deposit").Observe(now.Sub(dep.CreatedAt).Seconds())
	p.refreshPendingGauge(ctx)
	p.logger.Info("Deposit settled",
		zap.String("id", id.Hex()),
		zap.String("user", dep.User.Hex()),
		zap.String("shares", vaultShares.String()))
	return nil
}

// RecoverStaleDeposit refunds and deletes a deposit whose counterpart leg
// never completed within the timeout window. Deliberately permissionless:
// anyone may call it, so no operator can hold funds hostage. Funds go to the
// user recorded in the pending entry, never to the caller.
func (p *Processor) RecoverStaleDeposit(ctx context.Context, id common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dep, err := p.store.GetDeposit(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return fmt.Errorf("%w: %s", ErrDepositNotFound, id.Hex())
	}
	if dep.SharesIssued {
		return fmt.Errorf("%w: %s", ErrSharesAlreadyIssued, id.Hex())
	}
	now := p.cfg.Now()
	if !IsStale(now, dep.CreatedAt, p.cfg.Timeout) {
		return fmt.Errorf("%w: recoverable after %s", ErrNotStale, dep.CreatedAt.Add(p.cfg.Timeout))
	}

	if !dep.BridgeCompleted {
		if err := p.asset.Transfer(ctx, dep.User, dep.Amount); err != nil {
			return fmt.Errorf("refunding escrow: %w", err)
		}
	}
	if _, err := p.store.DeleteDeposit(ctx, id); err != nil {
		return err
	}

	metrics.DepositsTotal.WithLabelValues(StateRecovered.String()).Inc()
	metrics.StaleRecoveries.WithLabelValues("deposit").Inc()
	p.refreshPendingGauge(ctx)
	p.logger.Warn("Stale deposit recovered",
		zap.String("id", id.Hex()),
		zap.String("user", dep.User.Hex()),
		zap.Bool("refunded", !dep.BridgeCompleted))
	return nil
}

// SweepStale recovers every deposit and withdrawal past the timeout window.
// Called periodically by the relayer engine; safe to run concurrently with
// inbound traffic because each recovery re-checks its own preconditions.
func (p *Processor) SweepStale(ctx context.Context) (recovered int, err error) {
	cutoff := p.cfg.Now().Add(-p.cfg.Timeout)

	deps, err := p.store.ListDepositsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, d := range deps {
		if rerr := p.RecoverStaleDeposit(ctx, d.ID); rerr != nil {
			p.logger.Debug("Deposit sweep skipped", zap.String("id", d.ID.Hex()), zap.Error(rerr))
			continue
		}
		recovered++
	}

	wds, err := p.store.ListWithdrawalsCreatedBefore(ctx, cutoff)
	if err != nil {
		return recovered, err
	}
	for _, w := range wds {
		if rerr := p.CleanupTimedOutWithdrawal(ctx, w.ID); rerr != nil {
			p.logger.Debug("Withdrawal sweep skipped", zap.String("id", w.ID.Hex()), zap.Error(rerr))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// creditPosition opens or grows the caller's position for (user, destChain,
// vault).
func (p *Processor) creditPosition(user common.Address, destChain uint32, vaultAddr common.Address, shares *big.Int) error {
	key := position.Key(user, p.cfg.LocalChain, destChain, vaultAddr)
	if existing, err := p.ledger.GetActive(key); err == nil {
		total := new(big.Int).Add(existing.Shares, shares)
		return p.positions.Update(key, total)
	}
	_, err := p.positions.Create(user, p.cfg.LocalChain, destChain, vaultAddr, shares)
	return err
}

func (p *Processor) refreshPendingGauge(ctx context.Context) {
	deps, wds, err := p.store.CountPending(ctx)
	if err != nil {
		return
	}
	metrics.PendingOperations.WithLabelValues("deposit").Set(float64(deps))
	metrics.PendingOperations.WithLabelValues("withdrawal").Set(float64(wds))
}
