package bridge

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Delivery is one physical message sitting in a MemoryTransport queue.
type Delivery struct {
	Nonce        uint64
	SourceDomain uint32
	DestDomain   uint32
	Recipient    common.Address
	Caller       common.Address
	Amount       *big.Int
	Payload      []byte
}

// MemoryTransport is an in-process Transport shared by the test harness and
// the local relayer loop. It queues messages per destination domain and lets
// callers re-enqueue a delivery to exercise at-least-once behavior. Real
// bridge wire encodings are out of scope; attestations here are keyed keccak
// digests issued by Attest.
type MemoryTransport struct {
	localDomain uint32
	limit       *big.Int
	secret      []byte

	mu     sync.Mutex
	nonce  uint64
	queues map[uint32][]Delivery
}

// NewMemoryTransport creates a transport for localDomain with the given
// per-message burn limit and attestation key.
func NewMemoryTransport(localDomain uint32, limit *big.Int, secret []byte) *MemoryTransport {
	return &MemoryTransport{
		localDomain: localDomain,
		limit:       new(big.Int).Set(limit),
		secret:      append([]byte(nil), secret...),
		queues:      make(map[uint32][]Delivery),
	}
}

func (t *MemoryTransport) Send(_ context.Context, amount *big.Int, destDomain uint32, recipient, caller common.Address, payload []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nonce++
	t.queues[destDomain] = append(t.queues[destDomain], Delivery{
		Nonce:        t.nonce,
		SourceDomain: t.localDomain,
		DestDomain:   destDomain,
		Recipient:    recipient,
		Caller:       caller,
		Amount:       new(big.Int).Set(amount),
		Payload:      append([]byte(nil), payload...),
	})
	return t.nonce, nil
}

func (t *MemoryTransport) PerMessageLimit(context.Context) (*big.Int, error) {
	return new(big.Int).Set(t.limit), nil
}

func (t *MemoryTransport) Verify(_ context.Context, message, attestation []byte) (bool, error) {
	expected := crypto.Keccak256(t.secret, message)
	if len(attestation) != len(expected) {
		return false, nil
	}
	for i := range expected {
		if attestation[i] != expected[i] {
			return false, nil
		}
	}
	return true, nil
}

// Attest signs message bytes the way Verify expects. In production this role
// belongs to the bridge's off-chain attestation service.
func (t *MemoryTransport) Attest(message []byte) []byte {
	return crypto.Keccak256(t.secret, message)
}

// Drain pops every delivery queued for destDomain.
func (t *MemoryTransport) Drain(destDomain uint32) []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.queues[destDomain]
	t.queues[destDomain] = nil
	return out
}

// Requeue puts a delivery back on its destination queue, simulating the
// transport redelivering a message it has already delivered once.
func (t *MemoryTransport) Requeue(d Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queues[d.DestDomain] = append(t.queues[d.DestDomain], d)
}

// Pending reports how many deliveries are queued for destDomain.
func (t *MemoryTransport) Pending(destDomain uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queues[destDomain])
}
