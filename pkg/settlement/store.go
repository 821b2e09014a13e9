package settlement

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the pending-operation tables, the processed-message dedup
// set, and the per-(user, chain) deposit nonces. Lookups return (nil, nil)
// when no record exists. The processor serializes its own calls, so a Store
// only needs to be individually consistent per method.
type Store interface {
	GetDeposit(ctx context.Context, id common.Hash) (*PendingDeposit, error)
	// PutDeposit fails if a deposit with the same ID already exists.
	PutDeposit(ctx context.Context, d *PendingDeposit) error
	UpdateDeposit(ctx context.Context, d *PendingDeposit) error
	// DeleteDeposit reports whether a record was actually removed.
	DeleteDeposit(ctx context.Context, id common.Hash) (bool, error)
	ListDepositsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*PendingDeposit, error)

	GetWithdrawal(ctx context.Context, id common.Hash) (*PendingWithdrawal, error)
	PutWithdrawal(ctx context.Context, w *PendingWithdrawal) error
	DeleteWithdrawal(ctx context.Context, id common.Hash) (bool, error)
	ListWithdrawalsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*PendingWithdrawal, error)

	// MarkMessageProcessed inserts h into the append-only dedup set. It
	// returns false when h was already present; the insert and the check
	// are one atomic step. The set is never pruned.
	MarkMessageProcessed(ctx context.Context, h common.Hash) (bool, error)

	// NextNonce returns the next monotonic nonce for (user, chain),
	// starting at 1.
	NextNonce(ctx context.Context, user common.Address, chain uint32) (uint64, error)

	// CountPending reports open deposits and withdrawals, for gauges.
	CountPending(ctx context.Context) (deposits, withdrawals int, err error)
}
