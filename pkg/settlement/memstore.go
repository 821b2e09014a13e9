package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type nonceKey struct {
	user  common.Address
	chain uint32
}

// MemoryStore is the in-process Store used by tests and single-node setups.
// The Postgres-backed implementation lives in pkg/db.
type MemoryStore struct {
	mu          sync.Mutex
	deposits    map[common.Hash]*PendingDeposit
	withdrawals map[common.Hash]*PendingWithdrawal
	processed   map[common.Hash]struct{}
	nonces      map[nonceKey]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits:    make(map[common.Hash]*PendingDeposit),
		withdrawals: make(map[common.Hash]*PendingWithdrawal),
		processed:   make(map[common.Hash]struct{}),
		nonces:      make(map[nonceKey]uint64),
	}
}

func (s *MemoryStore) GetDeposit(_ context.Context, id common.Hash) (*PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[id]
	if !ok {
		return nil, nil
	}
	return d.copy(), nil
}

func (s *MemoryStore) PutDeposit(_ context.Context, d *PendingDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.ID]; ok {
		return fmt.Errorf("deposit %s already exists", d.ID.Hex())
	}
	s.deposits[d.ID] = d.copy()
	return nil
}

func (s *MemoryStore) UpdateDeposit(_ context.Context, d *PendingDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.ID]; !ok {
		return fmt.Errorf("deposit %s does not exist", d.ID.Hex())
	}
	s.deposits[d.ID] = d.copy()
	return nil
}

func (s *MemoryStore) DeleteDeposit(_ context.Context, id common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.deposits[id]
	delete(s.deposits, id)
	return ok, nil
}

func (s *MemoryStore) ListDepositsCreatedBefore(_ context.Context, cutoff time.Time) ([]*PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingDeposit
	for _, d := range s.deposits {
		if d.CreatedAt.Before(cutoff) {
			out = append(out, d.copy())
		}
	}
	return out, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id common.Hash) (*PendingWithdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, nil
	}
	return w.copy(), nil
}

func (s *MemoryStore) PutWithdrawal(_ context.Context, w *PendingWithdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s already exists", w.ID.Hex())
	}
	s.withdrawals[w.ID] = w.copy()
	return nil
}

func (s *MemoryStore) DeleteWithdrawal(_ context.Context, id common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.withdrawals[id]
	delete(s.withdrawals, id)
	return ok, nil
}

func (s *MemoryStore) ListWithdrawalsCreatedBefore(_ context.Context, cutoff time.Time) ([]*PendingWithdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingWithdrawal
	for _, w := range s.withdrawals {
		if w.CreatedAt.Before(cutoff) {
			out = append(out, w.copy())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkMessageProcessed(_ context.Context, h common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[h]; ok {
		return false, nil
	}
	s.processed[h] = struct{}{}
	return true, nil
}

func (s *MemoryStore) NextNonce(_ context.Context, user common.Address, chain uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey{user: user, chain: chain}
	s.nonces[key]++
	return s.nonces[key], nil
}

func (s *MemoryStore) CountPending(context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.deposits), len(s.withdrawals), nil
}
