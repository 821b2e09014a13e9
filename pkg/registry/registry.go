// Package registry maintains the authoritative table of destination vaults a
// settlement node is allowed to interact with, and guards local vault
// interactions with a share-price circuit breaker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/internal/metrics"
	"github.com/crossvault/middleware/pkg/vault"
)

var (
	ErrVaultExists      = errors.New("vault already registered")
	ErrVaultNotFound    = errors.New("vault not registered")
	ErrVaultActive      = errors.New("vault still active")
	ErrVaultInactive    = errors.New("vault not active")
	ErrAssetMismatch    = errors.New("vault asset does not match protocol asset")
	ErrPriceDeviation   = errors.New("share price deviates beyond threshold")
	ErrCapacityExceeded = errors.New("amount exceeds vault deposit capacity")
)

const (
	// DefaultMaxDeviationBps trips the circuit breaker when a local vault's
	// price-per-share moves more than 10% against the stored watermark.
	DefaultMaxDeviationBps = 1000

	bpsDenominator = 10000
)

// priceSampleShares is the share quantity used to sample price-per-share.
var priceSampleShares = big.NewInt(1_000_000)

// Key identifies a vault by (chain, address). Removal frees the key; it must
// be re-registered before any further use.
type Key struct {
	Chain   uint32
	Address common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.Chain, k.Address.Hex())
}

// VaultInfo is the registry's record for a single vault.
type VaultInfo struct {
	Key         Key
	Asset       common.Address
	TotalShares *big.Int
	LastUpdate  time.Time
	Active      bool

	// handle is only set for vaults local to the executing ledger; remote
	// vaults are reached through the bridge, never called directly.
	handle vault.Vault
}

// Registry is the vault table for one settlement node. All methods are safe
// for concurrent use; each call observes and mutates the table atomically.
type Registry struct {
	localChain      uint32
	asset           common.Address
	maxDeviationBps int64
	logger          *zap.Logger

	mu         sync.RWMutex
	vaults     map[Key]*VaultInfo
	watermarks map[Key]decimal.Decimal
}

// New creates a registry for the given local chain and protocol stable asset.
// maxDeviationBps <= 0 selects DefaultMaxDeviationBps.
func New(localChain uint32, asset common.Address, maxDeviationBps int64, logger *zap.Logger) *Registry {
	if maxDeviationBps <= 0 {
		maxDeviationBps = DefaultMaxDeviationBps
	}
	return &Registry{
		localChain:      localChain,
		asset:           asset,
		maxDeviationBps: maxDeviationBps,
		logger:          logger,
		vaults:          make(map[Key]*VaultInfo),
		watermarks:      make(map[Key]decimal.Decimal),
	}
}

// Register adds a vault under (chain, addr). The vault's underlying asset
// must be the protocol stable asset. Vaults on the local chain require a
// handle so the registry can sample prices and capacity; remote vaults are
// registered with their declared asset only.
func (r *Registry) Register(ctx context.Context, chain uint32, addr common.Address, asset common.Address, h vault.Vault) error {
	if addr == (common.Address{}) {
		return errors.New("zero vault address")
	}
	if asset != r.asset {
		return fmt.Errorf("%w: declared %s, protocol %s", ErrAssetMismatch, asset.Hex(), r.asset.Hex())
	}
	if h != nil {
		reported, err := h.Asset(ctx)
		if err != nil {
			return fmt.Errorf("querying vault asset: %w", err)
		}
		if reported != r.asset {
			return fmt.Errorf("%w: vault reports %s", ErrAssetMismatch, reported.Hex())
		}
	} else if chain == r.localChain {
		return errors.New("local vault requires a handle")
	}

	key := Key{Chain: chain, Address: addr}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vaults[key]; ok {
		return fmt.Errorf("%w: %s", ErrVaultExists, key)
	}
	r.vaults[key] = &VaultInfo{
		Key:         key,
		Asset:       asset,
		TotalShares: new(big.Int),
		LastUpdate:  time.Now(),
		Active:      false,
		handle:      h,
	}

	r.logger.Info("Vault registered",
		zap.Uint32("chain", chain),
		zap.String("vault", addr.Hex()))
	return nil
}

// SetActive flips a vault's active flag.
func (r *Registry) SetActive(chain uint32, addr common.Address, active bool) error {
	key := Key{Chain: chain, Address: addr}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.vaults[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}
	info.Active = active
	info.LastUpdate = time.Now()

	r.logger.Info("Vault status changed",
		zap.String("vault", key.String()),
		zap.Bool("active", active))
	return nil
}

// Remove deletes an inactive vault's record and its price watermark. The key
// becomes reusable through a fresh Register.
func (r *Registry) Remove(chain uint32, addr common.Address) error {
	key := Key{Chain: chain, Address: addr}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.vaults[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}
	if info.Active {
		return fmt.Errorf("%w: deactivate %s first", ErrVaultActive, key)
	}
	delete(r.vaults, key)
	delete(r.watermarks, key)

	r.logger.Info("Vault removed", zap.String("vault", key.String()))
	return nil
}

// IsActive reports whether (chain, addr) is registered and active.
func (r *Registry) IsActive(chain uint32, addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.vaults[Key{Chain: chain, Address: addr}]
	return ok && info.Active
}

// Get returns a copy of the vault record.
func (r *Registry) Get(chain uint32, addr common.Address) (VaultInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.vaults[Key{Chain: chain, Address: addr}]
	if !ok {
		return VaultInfo{}, fmt.Errorf("%w: %d/%s", ErrVaultNotFound, chain, addr.Hex())
	}
	out := *info
	out.TotalShares = new(big.Int).Set(info.TotalShares)
	return out, nil
}

// List returns a copy of every vault record, ordered by key string.
func (r *Registry) List() []VaultInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VaultInfo, 0, len(r.vaults))
	for _, info := range r.vaults {
		cp := *info
		cp.TotalShares = new(big.Int).Set(info.TotalShares)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Handle returns the local vault handle for (chain, addr), or an error when
// the vault is not registered or is remote.
func (r *Registry) Handle(chain uint32, addr common.Address) (vault.Vault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.vaults[Key{Chain: chain, Address: addr}]
	if !ok {
		return nil, fmt.Errorf("%w: %d/%s", ErrVaultNotFound, chain, addr.Hex())
	}
	if info.handle == nil {
		return nil, fmt.Errorf("vault %s is remote", info.Key)
	}
	return info.handle, nil
}

// UpdateShares records a new total share count for a vault. For local vaults
// it additionally samples the vault's current price-per-share and runs the
// circuit breaker: the update is rejected wholesale, watermark untouched, when
// the sampled price deviates from the stored watermark by more than the
// configured threshold. An accepted sample becomes the new watermark.
func (r *Registry) UpdateShares(ctx context.Context, chain uint32, addr common.Address, newTotal *big.Int) error {
	if newTotal == nil || newTotal.Sign() < 0 {
		return errors.New("invalid total shares")
	}
	key := Key{Chain: chain, Address: addr}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.vaults[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}

	if chain == r.localChain {
		price, err := samplePrice(ctx, info.handle)
		if err != nil {
			return fmt.Errorf("sampling share price: %w", err)
		}
		if err := r.checkDeviationLocked(key, price); err != nil {
			return err
		}
		r.watermarks[key] = price
	}

	info.TotalShares = new(big.Int).Set(newTotal)
	info.LastUpdate = time.Now()
	return nil
}

// ValidateOperation gates a settlement leg against the registry: the vault
// must be active, a local vault's price must still sit inside the deviation
// band, and the amount must fit the vault's reported deposit capacity.
func (r *Registry) ValidateOperation(ctx context.Context, chain uint32, addr common.Address, receiver common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("invalid amount")
	}
	key := Key{Chain: chain, Address: addr}

	r.mu.RLock()
	info, ok := r.vaults[key]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}
	if !info.Active {
		return fmt.Errorf("%w: %s", ErrVaultInactive, key)
	}
	if chain != r.localChain {
		return nil
	}

	price, err := samplePrice(ctx, info.handle)
	if err != nil {
		return fmt.Errorf("sampling share price: %w", err)
	}
	r.mu.RLock()
	err = r.checkDeviationLocked(key, price)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	max, err := info.handle.MaxDeposit(ctx, receiver)
	if err != nil {
		return fmt.Errorf("querying deposit capacity: %w", err)
	}
	if amount.Cmp(max) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrCapacityExceeded, amount, max)
	}
	return nil
}

// Watermark returns the last accepted price-per-share sample for a local
// vault, and whether one has been recorded yet.
func (r *Registry) Watermark(chain uint32, addr common.Address) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wm, ok := r.watermarks[Key{Chain: chain, Address: addr}]
	return wm, ok
}

// checkDeviationLocked compares a sampled price against the watermark for key.
// A missing watermark always passes; the caller seeds it on acceptance.
func (r *Registry) checkDeviationLocked(key Key, price decimal.Decimal) error {
	wm, ok := r.watermarks[key]
	if !ok || wm.IsZero() {
		return nil
	}
	deviationBps := price.Sub(wm).Abs().
		Div(wm).
		Mul(decimal.NewFromInt(bpsDenominator))
	if deviationBps.GreaterThan(decimal.NewFromInt(r.maxDeviationBps)) {
		metrics.CircuitBreakerTrips.WithLabelValues(key.String()).Inc()
		r.logger.Warn("Share price circuit breaker tripped",
			zap.String("vault", key.String()),
			zap.String("watermark", wm.String()),
			zap.String("sampled", price.String()),
			zap.String("deviation_bps", deviationBps.String()))
		return fmt.Errorf("%w: %s bps against watermark %s", ErrPriceDeviation, deviationBps.StringFixed(0), wm)
	}
	return nil
}

// samplePrice quotes the asset value of a fixed share quantity.
func samplePrice(ctx context.Context, h vault.Vault) (decimal.Decimal, error) {
	if h == nil {
		return decimal.Zero, errors.New("no local vault handle")
	}
	assets, err := h.ConvertToAssets(ctx, priceSampleShares)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(assets, 0).
		Div(decimal.NewFromBigInt(priceSampleShares, 0)), nil
}
