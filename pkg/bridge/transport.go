// Package bridge wraps a one-way, at-least-once value-transfer primitive into
// the message adapter used by the settlement flow: it splits amounts over the
// transport's per-message burn limit, binds the settlement payload to exactly
// one physical message, and hashes messages for the processor's dedup set.
package bridge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transport is the underlying value bridge. Deliveries are at-least-once,
// unordered, with unbounded latency; a message cannot be recalled once sent.
type Transport interface {
	// Send burns/locks amount toward destDomain. recipient is the contract
	// credited on arrival; caller, when non-zero, is the only address the
	// destination ledger will accept the accompanying payload from.
	Send(ctx context.Context, amount *big.Int, destDomain uint32, recipient, caller common.Address, payload []byte) (nonce uint64, err error)
	// PerMessageLimit is the maximum value a single message may carry.
	PerMessageLimit(ctx context.Context) (*big.Int, error)
	// Verify checks an attestation against the raw message bytes.
	Verify(ctx context.Context, message, attestation []byte) (bool, error)
}

// CompletionMessage is the byte string the bridge attests to for a settled
// value transfer: the operation ID followed by the 32-byte big-endian amount.
func CompletionMessage(id common.Hash, amount *big.Int) []byte {
	msg := make([]byte, 64)
	copy(msg[:32], id.Bytes())
	amount.FillBytes(msg[32:])
	return msg
}
