// Package position tracks per-owner vault share positions on the source
// ledger. A position is keyed by (owner, source chain, destination chain,
// vault) and moves through a three-state lifecycle: Uninitialized -> Active
// (create) -> Closed (close) -> Active again (create over a closed key).
//
// Mutations go through a Writer capability handed out exactly once at
// construction, so only the settlement flow that owns the Writer can mint,
// resize, or close positions; everything else gets the read-only Ledger.
package position

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	ErrPositionExists   = errors.New("position already active")
	ErrPositionNotFound = errors.New("position not found")
)

// State is the lifecycle tag for a position slot.
type State uint8

const (
	Uninitialized State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Position is one owner's share record against one destination vault.
type Position struct {
	Owner            common.Address
	SourceChain      uint32
	DestinationChain uint32
	Vault            common.Address
	Shares           *big.Int
	State            State
	UpdatedAt        time.Time
}

// Key derives the ledger key for a position tuple.
func Key(owner common.Address, sourceChain, destChain uint32, vaultAddr common.Address) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+8)
	buf = append(buf, owner.Bytes()...)
	buf = appendUint32(buf, sourceChain)
	buf = appendUint32(buf, destChain)
	buf = append(buf, vaultAddr.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Ledger is the read side of the position table.
type Ledger struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[common.Hash]*Position
}

// Writer is the sole mutation capability for a Ledger.
type Writer struct {
	l *Ledger
}

// NewLedger creates an empty ledger and its single Writer.
func NewLedger(logger *zap.Logger) (*Ledger, *Writer) {
	l := &Ledger{
		logger:    logger,
		positions: make(map[common.Hash]*Position),
	}
	return l, &Writer{l: l}
}

// Get returns a copy of the position stored under key, active or closed.
func (l *Ledger) Get(key common.Hash) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[key]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	return p.copy(), nil
}

// GetActive returns the position under key only if it is active.
func (l *Ledger) GetActive(key common.Hash) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[key]
	if !ok || p.State != Active {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	return p.copy(), nil
}

// ActiveCount reports how many positions are currently active.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, p := range l.positions {
		if p.State == Active {
			n++
		}
	}
	return n
}

// Create opens a position under its derived key. The key must be either
// unused or previously closed; creating over an active position fails.
func (w *Writer) Create(owner common.Address, sourceChain, destChain uint32, vaultAddr common.Address, shares *big.Int) (common.Hash, error) {
	if owner == (common.Address{}) || vaultAddr == (common.Address{}) {
		return common.Hash{}, errors.New("zero address")
	}
	if shares == nil || shares.Sign() <= 0 {
		return common.Hash{}, errors.New("invalid share amount")
	}
	key := Key(owner, sourceChain, destChain, vaultAddr)

	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.positions[key]; ok && existing.State == Active {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrPositionExists, key.Hex())
	}
	l.positions[key] = &Position{
		Owner:            owner,
		SourceChain:      sourceChain,
		DestinationChain: destChain,
		Vault:            vaultAddr,
		Shares:           new(big.Int).Set(shares),
		State:            Active,
		UpdatedAt:        time.Now(),
	}

	l.logger.Info("Position opened",
		zap.String("key", key.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("shares", shares.String()))
	return key, nil
}

// Update replaces the share balance of an active position.
func (w *Writer) Update(key common.Hash, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return errors.New("invalid share amount")
	}

	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[key]
	if !ok || p.State != Active {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	p.Shares = new(big.Int).Set(shares)
	p.UpdatedAt = time.Now()
	return nil
}

// Close zeroes an active position's shares and marks the slot Closed. The
// slot is kept so historical lookups by key keep working; a later Create on
// the same key reanimates it.
func (w *Writer) Close(key common.Hash) error {
	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[key]
	if !ok || p.State != Active {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	p.Shares = new(big.Int)
	p.State = Closed
	p.UpdatedAt = time.Now()

	l.logger.Info("Position closed", zap.String("key", key.Hex()))
	return nil
}

func (p *Position) copy() Position {
	out := *p
	out.Shares = new(big.Int).Set(p.Shares)
	return out
}
