package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/position"
	"github.com/crossvault/middleware/pkg/registry"
)

var (
	userAddr     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	assetAddr    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bridgeCaller = common.HexToAddress("0x3000000000000000000000000000000000000003")
	escrow1      = common.HexToAddress("0x4000000000000000000000000000000000000004")
	escrow2      = common.HexToAddress("0x5000000000000000000000000000000000000005")
	vault1Addr   = common.HexToAddress("0x6000000000000000000000000000000000000006")
	vault2Addr   = common.HexToAddress("0x7000000000000000000000000000000000000007")
)

const (
	chain1 = uint32(1)
	chain2 = uint32(2)

	burnLimit = 1_000_000
)

var attestationKey = []byte("test-attestation-key")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeAsset tracks stable-asset balances. Transfer pays out of the escrow
// account, matching the on-chain contract the processor fronts for.
type fakeAsset struct {
	mu       sync.Mutex
	escrow   common.Address
	balances map[common.Address]*big.Int
}

func newFakeAsset(escrow common.Address) *fakeAsset {
	return &fakeAsset{escrow: escrow, balances: make(map[common.Address]*big.Int)}
}

func (a *fakeAsset) fund(addr common.Address, amount int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[addr] = big.NewInt(amount)
}

func (a *fakeAsset) balanceLocked(addr common.Address) *big.Int {
	if b, ok := a.balances[addr]; ok {
		return b
	}
	b := new(big.Int)
	a.balances[addr] = b
	return b
}

func (a *fakeAsset) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fb := a.balanceLocked(from)
	if fb.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: %s has %s, needs %s", from.Hex(), fb, amount)
	}
	fb.Sub(fb, amount)
	a.balanceLocked(to).Add(a.balanceLocked(to), amount)
	return nil
}

func (a *fakeAsset) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return a.TransferFrom(ctx, a.escrow, to, amount)
}

func (a *fakeAsset) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balanceLocked(addr)), nil
}

type fakeReceipt struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func newFakeReceipt() *fakeReceipt {
	return &fakeReceipt{balances: make(map[common.Address]*big.Int)}
}

func (r *fakeReceipt) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.balances[to]; ok {
		b.Add(b, amount)
	} else {
		r.balances[to] = new(big.Int).Set(amount)
	}
	return nil
}

func (r *fakeReceipt) BurnFrom(_ context.Context, from common.Address, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.balances[from]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("burn exceeds balance of %s", from.Hex())
	}
	b.Sub(b, amount)
	return nil
}

func (r *fakeReceipt) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// fakeVault converts at a fixed price expressed in asset-per-share parts per
// million. 1_000_000 is a 1:1 vault.
type fakeVault struct {
	pricePPM   int64
	maxDeposit *big.Int
	depositErr error

	deposits int
	redeems  int
}

func (v *fakeVault) Deposit(_ context.Context, amount *big.Int, _ common.Address) (*big.Int, error) {
	if v.depositErr != nil {
		return nil, v.depositErr
	}
	v.deposits++
	shares := new(big.Int).Mul(amount, big.NewInt(1_000_000))
	return shares.Div(shares, big.NewInt(v.pricePPM)), nil
}

func (v *fakeVault) Redeem(_ context.Context, shares *big.Int, _, _ common.Address) (*big.Int, error) {
	v.redeems++
	amount := new(big.Int).Mul(shares, big.NewInt(v.pricePPM))
	return amount.Div(amount, big.NewInt(1_000_000)), nil
}

func (v *fakeVault) ConvertToAssets(_ context.Context, shares *big.Int) (*big.Int, error) {
	amount := new(big.Int).Mul(shares, big.NewInt(v.pricePPM))
	return amount.Div(amount, big.NewInt(1_000_000)), nil
}

func (v *fakeVault) MaxDeposit(context.Context, common.Address) (*big.Int, error) {
	if v.maxDeposit != nil {
		return new(big.Int).Set(v.maxDeposit), nil
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil), nil
}

func (v *fakeVault) Asset(context.Context) (common.Address, error) {
	return assetAddr, nil
}

// testNode is one ledger's processor plus every collaborator a test needs to
// inspect.
type testNode struct {
	proc      *Processor
	store     *MemoryStore
	registry  *registry.Registry
	ledger    *position.Ledger
	asset     *fakeAsset
	receipt   *fakeReceipt
	vault     *fakeVault
	transport *bridge.MemoryTransport
	escrow    common.Address
	chain     uint32
}

type nodeOpts struct {
	transport *bridge.MemoryTransport
	timeout   time.Duration
}

// newTestNode builds a settlement processor for chain with its own local
// vault and the other chain's vault registered as remote. Both nodes of a
// pair share clock so deadlines agree.
func newTestNode(t *testing.T, chain uint32, clock *fakeClock, opts nodeOpts) *testNode {
	t.Helper()

	escrow, localVault, remoteChain, remoteVault := escrow1, vault1Addr, chain2, vault2Addr
	if chain == chain2 {
		escrow, localVault, remoteChain, remoteVault = escrow2, vault2Addr, chain1, vault1Addr
	}

	logger := zap.NewNop()
	reg := registry.New(chain, assetAddr, registry.DefaultMaxDeviationBps, logger)
	fv := &fakeVault{pricePPM: 1_000_000}
	ctx := context.Background()
	if err := reg.Register(ctx, chain, localVault, assetAddr, fv); err != nil {
		t.Fatalf("registering local vault: %v", err)
	}
	if err := reg.SetActive(chain, localVault, true); err != nil {
		t.Fatalf("activating local vault: %v", err)
	}
	if err := reg.Register(ctx, remoteChain, remoteVault, assetAddr, nil); err != nil {
		t.Fatalf("registering remote vault: %v", err)
	}
	if err := reg.SetActive(remoteChain, remoteVault, true); err != nil {
		t.Fatalf("activating remote vault: %v", err)
	}

	transport := opts.transport
	if transport == nil {
		transport = bridge.NewMemoryTransport(chain, big.NewInt(burnLimit), attestationKey)
	}
	adapter := bridge.NewAdapter(transport, nil, logger)

	ledger, writer := position.NewLedger(logger)
	store := NewMemoryStore()
	asset := newFakeAsset(escrow)
	receipt := newFakeReceipt()

	remoteEscrow := escrow2
	if chain == chain2 {
		remoteEscrow = escrow1
	}
	proc, err := NewProcessor(Config{
		LocalChain:   chain,
		Escrow:       escrow,
		BridgeCaller: bridgeCaller,
		Peers:        map[uint32]common.Address{remoteChain: remoteEscrow},
		Timeout:      opts.timeout,
		Now:          clock.Now,
	}, reg, ledger, writer, adapter, asset, receipt, store, logger)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	return &testNode{
		proc:      proc,
		store:     store,
		registry:  reg,
		ledger:    ledger,
		asset:     asset,
		receipt:   receipt,
		vault:     fv,
		transport: transport,
		escrow:    escrow,
		chain:     chain,
	}
}

// deliver drains every message src queued for dst's chain and hands them to
// dst's processor, returning the non-nil inbound results.
func deliver(t *testing.T, src, dst *testNode) []*InboundResult {
	t.Helper()

	var out []*InboundResult
	for _, d := range src.transport.Drain(dst.chain) {
		res, err := dst.proc.HandleInbound(context.Background(), d)
		if err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out
}

func assetBalance(t *testing.T, a *fakeAsset, addr common.Address) int64 {
	t.Helper()
	b, err := a.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b.Int64()
}

func receiptBalance(t *testing.T, r *fakeReceipt, addr common.Address) int64 {
	t.Helper()
	b, err := r.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b.Int64()
}
