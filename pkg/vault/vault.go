// Package vault defines the external collaborator interfaces the settlement
// core depends on: the yield vault itself, the stable asset it accepts, the
// depositor receipt token, and the bridge rate limiter. Implementations live
// outside this repository; tests use in-memory fakes.
package vault

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRateLimitExceeded is returned by a RateLimiter when the requested amount
// does not fit in the current window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Vault is a share-issuing yield vault on some ledger.
type Vault interface {
	// Deposit moves amount of the underlying asset into the vault and
	// credits shares to receiver.
	Deposit(ctx context.Context, amount *big.Int, receiver common.Address) (shares *big.Int, err error)
	// Redeem burns shares held by owner and pays the underlying asset out
	// to receiver.
	Redeem(ctx context.Context, shares *big.Int, receiver, owner common.Address) (amount *big.Int, err error)
	// ConvertToAssets quotes the current value of shares in the underlying
	// asset without moving funds.
	ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error)
	// MaxDeposit reports the remaining deposit capacity for receiver.
	MaxDeposit(ctx context.Context, receiver common.Address) (*big.Int, error)
	// Asset returns the address of the underlying asset token.
	Asset(ctx context.Context) (common.Address, error)
}

// Asset is the protocol's stable asset used for escrow and refunds.
type Asset interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// ReceiptToken is the fungible token minted 1:1 with settled vault shares.
type ReceiptToken interface {
	Mint(ctx context.Context, to common.Address, amount *big.Int) error
	BurnFrom(ctx context.Context, from common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// RateLimiter admits bridge messages against a refilling capacity window.
// Capacity refills over wall-clock time, so callers must consult it once per
// physical message rather than caching a prior answer.
type RateLimiter interface {
	// Consume returns nil if amount was admitted, ErrRateLimitExceeded
	// otherwise.
	Consume(ctx context.Context, amount *big.Int) error
}
