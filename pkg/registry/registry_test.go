package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	testAsset  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testVault  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testEscrow = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

const localChain = uint32(1)

// fakeVault quotes a configurable price-per-share in parts per million.
type fakeVault struct {
	asset      common.Address
	pricePPM   int64
	maxDeposit *big.Int
}

func (f *fakeVault) Deposit(_ context.Context, amount *big.Int, _ common.Address) (*big.Int, error) {
	shares := new(big.Int).Mul(amount, big.NewInt(1_000_000))
	return shares.Div(shares, big.NewInt(f.pricePPM)), nil
}

func (f *fakeVault) Redeem(_ context.Context, shares *big.Int, _, _ common.Address) (*big.Int, error) {
	amount := new(big.Int).Mul(shares, big.NewInt(f.pricePPM))
	return amount.Div(amount, big.NewInt(1_000_000)), nil
}

func (f *fakeVault) ConvertToAssets(_ context.Context, shares *big.Int) (*big.Int, error) {
	amount := new(big.Int).Mul(shares, big.NewInt(f.pricePPM))
	return amount.Div(amount, big.NewInt(1_000_000)), nil
}

func (f *fakeVault) MaxDeposit(context.Context, common.Address) (*big.Int, error) {
	if f.maxDeposit == nil {
		return new(big.Int).Lsh(big.NewInt(1), 128), nil
	}
	return new(big.Int).Set(f.maxDeposit), nil
}

func (f *fakeVault) Asset(context.Context) (common.Address, error) {
	return f.asset, nil
}

func newTestRegistry(t *testing.T, v *fakeVault) *Registry {
	t.Helper()
	r := New(localChain, testAsset, DefaultMaxDeviationBps, zap.NewNop())
	if err := r.Register(context.Background(), localChain, testVault, testAsset, v); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.SetActive(localChain, testVault, true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	return r
}

func TestRegister_AssetMismatch(t *testing.T) {
	r := New(localChain, testAsset, 0, zap.NewNop())
	wrong := common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")

	err := r.Register(context.Background(), localChain, testVault, wrong, &fakeVault{asset: wrong, pricePPM: 1_000_000})
	if !errors.Is(err, ErrAssetMismatch) {
		t.Errorf("Register with wrong asset: %v, want ErrAssetMismatch", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)

	err := r.Register(context.Background(), localChain, testVault, testAsset, v)
	if !errors.Is(err, ErrVaultExists) {
		t.Errorf("duplicate Register: %v, want ErrVaultExists", err)
	}
}

func TestRemove_ActiveFails(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)

	if err := r.Remove(localChain, testVault); !errors.Is(err, ErrVaultActive) {
		t.Errorf("Remove active vault: %v, want ErrVaultActive", err)
	}

	if err := r.SetActive(localChain, testVault, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if err := r.Remove(localChain, testVault); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Get(localChain, testVault); !errors.Is(err, ErrVaultNotFound) {
		t.Errorf("Get after Remove: %v, want ErrVaultNotFound", err)
	}
}

func TestUpdateShares_SeedsWatermark(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)

	if _, ok := r.Watermark(localChain, testVault); ok {
		t.Fatal("watermark should not exist before first sample")
	}
	if err := r.UpdateShares(context.Background(), localChain, testVault, big.NewInt(1000)); err != nil {
		t.Fatalf("UpdateShares failed: %v", err)
	}
	wm, ok := r.Watermark(localChain, testVault)
	if !ok {
		t.Fatal("watermark missing after first sample")
	}
	if !wm.Equal(decimal.NewFromInt(1)) {
		t.Errorf("watermark = %s, want 1", wm)
	}
}

func TestUpdateShares_WithinBandAdvancesWatermark(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)
	ctx := context.Background()

	if err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(1000)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// +10% exactly is still inside the band.
	v.pricePPM = 1_100_000
	if err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(2000)); err != nil {
		t.Fatalf("UpdateShares at +10%%: %v", err)
	}

	wm, _ := r.Watermark(localChain, testVault)
	if !wm.Equal(decimal.NewFromFloat(1.1)) {
		t.Errorf("watermark = %s, want 1.1", wm)
	}
	info, _ := r.Get(localChain, testVault)
	if info.TotalShares.Cmp(big.NewInt(2000)) != 0 {
		t.Errorf("total shares = %s, want 2000", info.TotalShares)
	}
}

func TestUpdateShares_BreakerTripsAndWatermarkHolds(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)
	ctx := context.Background()

	if err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(1000)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// +10.01% trips.
	v.pricePPM = 1_100_100
	err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(2000))
	if !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("UpdateShares beyond band: %v, want ErrPriceDeviation", err)
	}

	// Rejection must leave both the watermark and the share total untouched.
	wm, _ := r.Watermark(localChain, testVault)
	if !wm.Equal(decimal.NewFromInt(1)) {
		t.Errorf("watermark after trip = %s, want 1", wm)
	}
	info, _ := r.Get(localChain, testVault)
	if info.TotalShares.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("total shares after trip = %s, want 1000", info.TotalShares)
	}

	// A crash below the watermark trips symmetrically.
	v.pricePPM = 880_000
	if err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(2000)); !errors.Is(err, ErrPriceDeviation) {
		t.Errorf("UpdateShares on price crash: %v, want ErrPriceDeviation", err)
	}
}

func TestUpdateShares_RemoteSkipsSampling(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)
	remote := common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	ctx := context.Background()

	if err := r.Register(ctx, 7, remote, testAsset, nil); err != nil {
		t.Fatalf("Register remote failed: %v", err)
	}
	if err := r.UpdateShares(ctx, 7, remote, big.NewInt(5000)); err != nil {
		t.Fatalf("UpdateShares on remote vault: %v", err)
	}
	if _, ok := r.Watermark(7, remote); ok {
		t.Error("remote vault must not get a watermark")
	}
}

func TestValidateOperation(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000, maxDeposit: big.NewInt(500)}
	r := newTestRegistry(t, v)
	ctx := context.Background()

	if err := r.ValidateOperation(ctx, localChain, testVault, testEscrow, big.NewInt(400)); err != nil {
		t.Errorf("ValidateOperation within capacity: %v", err)
	}
	if err := r.ValidateOperation(ctx, localChain, testVault, testEscrow, big.NewInt(600)); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("ValidateOperation over capacity: %v, want ErrCapacityExceeded", err)
	}

	if err := r.SetActive(localChain, testVault, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if err := r.ValidateOperation(ctx, localChain, testVault, testEscrow, big.NewInt(100)); !errors.Is(err, ErrVaultInactive) {
		t.Errorf("ValidateOperation on inactive vault: %v, want ErrVaultInactive", err)
	}
}

func TestValidateOperation_PriceGate(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)
	ctx := context.Background()

	if err := r.UpdateShares(ctx, localChain, testVault, big.NewInt(1000)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	v.pricePPM = 1_200_000
	if err := r.ValidateOperation(ctx, localChain, testVault, testEscrow, big.NewInt(100)); !errors.Is(err, ErrPriceDeviation) {
		t.Errorf("ValidateOperation with deviated price: %v, want ErrPriceDeviation", err)
	}
}

func TestList(t *testing.T) {
	v := &fakeVault{asset: testAsset, pricePPM: 1_000_000}
	r := newTestRegistry(t, v)
	remote := common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	if err := r.Register(context.Background(), 7, remote, testAsset, nil); err != nil {
		t.Fatalf("Register remote failed: %v", err)
	}

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d vaults, want 2", len(infos))
	}
}
