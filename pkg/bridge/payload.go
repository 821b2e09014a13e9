package bridge

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// PayloadKind discriminates settlement payloads on the wire.
type PayloadKind uint8

const (
	PayloadDeposit PayloadKind = iota + 1
	PayloadWithdrawal
	// PayloadReturn carries redeemed funds back to the source ledger to
	// close out a withdrawal.
	PayloadReturn
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadDeposit:
		return "deposit"
	case PayloadWithdrawal:
		return "withdrawal"
	case PayloadReturn:
		return "return"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is the settlement intent attached to exactly one bridge message per
// logical operation. Amount is always the full operation amount, independent
// of how many physical messages the value was split across.
type Payload struct {
	Kind        PayloadKind
	ID          common.Hash
	SourceChain uint32
	Vault       common.Address
	Beneficiary common.Address
	Amount      *big.Int
	MinOut      *big.Int
	Deadline    uint64
}

// Encode serializes the payload with RLP.
func (p *Payload) Encode() ([]byte, error) {
	if p.Amount == nil {
		return nil, errors.New("payload amount not set")
	}
	if p.MinOut == nil {
		p.MinOut = new(big.Int)
	}
	return rlp.EncodeToBytes(p)
}

// DecodePayload parses an RLP settlement payload.
func DecodePayload(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	var p Payload
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if p.Kind < PayloadDeposit || p.Kind > PayloadReturn {
		return nil, fmt.Errorf("unknown payload kind %d", p.Kind)
	}
	return &p, nil
}

// Expired reports whether the payload deadline has passed at now.
func (p *Payload) Expired(now time.Time) bool {
	return p.Deadline != 0 && uint64(now.Unix()) > p.Deadline
}

// Hash returns the payload's keccak digest, used for inbound dedup.
func (p *Payload) Hash() (common.Hash, error) {
	enc, err := p.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
