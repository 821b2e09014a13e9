package bridge

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func samplePayload() *Payload {
	return &Payload{
		Kind:        PayloadDeposit,
		ID:          common.HexToHash("0xaabb"),
		SourceChain: 1,
		Vault:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Beneficiary: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:      big.NewInt(500_000),
		MinOut:      big.NewInt(450_000),
		Deadline:    1_900_000_000,
	}
}

func TestPayload_EncodeDecode(t *testing.T) {
	p := samplePayload()

	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodePayload(enc)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.Kind != p.Kind || got.ID != p.ID || got.SourceChain != p.SourceChain {
		t.Errorf("header mismatch: got %+v", got)
	}
	if got.Vault != p.Vault || got.Beneficiary != p.Beneficiary {
		t.Errorf("address mismatch: got %+v", got)
	}
	if got.Amount.Cmp(p.Amount) != 0 || got.MinOut.Cmp(p.MinOut) != 0 {
		t.Errorf("amounts mismatch: amount=%s minOut=%s", got.Amount, got.MinOut)
	}
	if got.Deadline != p.Deadline {
		t.Errorf("deadline mismatch: got %d", got.Deadline)
	}
}

func TestPayload_EncodeRequiresAmount(t *testing.T) {
	p := samplePayload()
	p.Amount = nil
	if _, err := p.Encode(); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	if _, err := DecodePayload(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := DecodePayload([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Error("expected error for garbage bytes")
	}

	p := samplePayload()
	p.Kind = PayloadKind(9)
	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodePayload(enc); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestPayload_Expired(t *testing.T) {
	p := samplePayload()
	p.Deadline = 1000

	if p.Expired(time.Unix(999, 0)) {
		t.Error("not expired before deadline")
	}
	if p.Expired(time.Unix(1000, 0)) {
		t.Error("deadline second itself is still valid")
	}
	if !p.Expired(time.Unix(1001, 0)) {
		t.Error("expired after deadline")
	}

	p.Deadline = 0
	if p.Expired(time.Unix(1<<40, 0)) {
		t.Error("zero deadline never expires")
	}
}

func TestPayload_HashStable(t *testing.T) {
	a := samplePayload()
	b := samplePayload()

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ha != hb {
		t.Errorf("identical payloads hash differently: %s vs %s", ha, hb)
	}

	b.Amount = big.NewInt(500_001)
	hb, err = b.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ha == hb {
		t.Error("distinct payloads share a hash")
	}
}
