// Package settlement implements the cross-chain deposit and withdrawal state
// machines. One Processor represents the settlement logic deployed on a single
// ledger; two processors joined by a bridge transport form the full protocol.
//
// Every entry point executes atomically with respect to the other entry
// points of the same processor, and never assumes the counterpart leg on the
// other ledger has run. Cross-leg failure is handled exclusively by the
// timeout recovery path.
package settlement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DepositState is the lifecycle tag of a pending deposit.
//
//	None -> PendingBridge -> BridgeCompleted -> SharesIssued (terminal)
//	        PendingBridge -> Recovered (terminal, timeout escape hatch)
type DepositState uint8

const (
	StateNone DepositState = iota
	StatePendingBridge
	StateBridgeCompleted
	StateSharesIssued
	StateRecovered
)

func (s DepositState) String() string {
	switch s {
	case StatePendingBridge:
		return "pending_bridge"
	case StateBridgeCompleted:
		return "bridge_completed"
	case StateSharesIssued:
		return "shares_issued"
	case StateRecovered:
		return "recovered"
	default:
		return "none"
	}
}

// PendingDeposit is a deposit whose destination leg has not settled yet. The
// two completion flags are one-way: false -> true only, each flipped by its
// own entry point after that entry point's preconditions held.
type PendingDeposit struct {
	ID               common.Hash
	User             common.Address
	SourceChain      uint32
	DestinationChain uint32
	Vault            common.Address
	Amount           *big.Int
	MinShares        *big.Int
	Deadline         time.Time
	CreatedAt        time.Time
	Nonce            uint64
	BridgeCompleted  bool
	SharesIssued     bool
}

// State derives the lifecycle tag from the completion flags.
func (d *PendingDeposit) State() DepositState {
	switch {
	case d.SharesIssued:
		return StateSharesIssued
	case d.BridgeCompleted:
		return StateBridgeCompleted
	default:
		return StatePendingBridge
	}
}

// PendingWithdrawal mirrors PendingDeposit for the reverse flow. The receipt
// token was already burned when the record was created.
type PendingWithdrawal struct {
	ID               common.Hash
	User             common.Address
	SourceChain      uint32
	DestinationChain uint32
	Vault            common.Address
	Shares           *big.Int
	MinAssets        *big.Int
	Deadline         time.Time
	CreatedAt        time.Time
	Nonce            uint64
}

// DepositID derives the deterministic identifier for a deposit request. The
// per-(user, chain) nonce makes identical simultaneous requests distinct, so
// no two live deposits ever share an ID.
func DepositID(user common.Address, vaultAddr common.Address, amount *big.Int, destChain uint32, minShares *big.Int, deadline time.Time, nonce uint64) common.Hash {
	return opID("deposit", user, vaultAddr, amount, destChain, minShares, deadline, nonce)
}

// WithdrawalID derives the identifier for a withdrawal request.
func WithdrawalID(user common.Address, vaultAddr common.Address, shares *big.Int, destChain uint32, minAssets *big.Int, deadline time.Time, nonce uint64) common.Hash {
	return opID("withdrawal", user, vaultAddr, shares, destChain, minAssets, deadline, nonce)
}

func opID(kind string, user, vaultAddr common.Address, amount *big.Int, destChain uint32, minOut *big.Int, deadline time.Time, nonce uint64) common.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, kind...)
	buf = append(buf, user.Bytes()...)
	buf = append(buf, vaultAddr.Bytes()...)
	buf = append(buf, bigBytes(amount)...)
	buf = appendUint64(buf, uint64(destChain))
	buf = append(buf, bigBytes(minOut)...)
	buf = appendUint64(buf, uint64(deadline.Unix()))
	buf = appendUint64(buf, nonce)
	return crypto.Keccak256Hash(buf)
}

func bigBytes(v *big.Int) []byte {
	out := make([]byte, 32)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// IsStale reports whether an operation created at createdAt has outlived the
// recovery timeout at instant now. Pure so every component applies the same
// rule.
func IsStale(now, createdAt time.Time, timeout time.Duration) bool {
	return now.After(createdAt.Add(timeout))
}

func (d *PendingDeposit) copy() *PendingDeposit {
	out := *d
	out.Amount = new(big.Int).Set(d.Amount)
	out.MinShares = new(big.Int).Set(d.MinShares)
	return &out
}

func (w *PendingWithdrawal) copy() *PendingWithdrawal {
	out := *w
	out.Shares = new(big.Int).Set(w.Shares)
	out.MinAssets = new(big.Int).Set(w.MinAssets)
	return &out
}

func (d *PendingDeposit) String() string {
	return fmt.Sprintf("deposit %s user=%s amount=%s state=%s",
		d.ID.Hex(), d.User.Hex(), d.Amount, d.State())
}
