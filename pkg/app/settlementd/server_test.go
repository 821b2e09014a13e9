package settlementd

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/config"
	"github.com/crossvault/middleware/pkg/registry"
	"github.com/crossvault/middleware/pkg/vault"
)

// stubVault satisfies vault.Vault just enough for registration, which only
// queries the underlying asset.
type stubVault struct {
	asset common.Address
}

func (s *stubVault) Deposit(context.Context, *big.Int, common.Address) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (s *stubVault) Redeem(context.Context, *big.Int, common.Address, common.Address) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (s *stubVault) ConvertToAssets(_ context.Context, shares *big.Int) (*big.Int, error) {
	return new(big.Int).Set(shares), nil
}

func (s *stubVault) MaxDeposit(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (s *stubVault) Asset(context.Context) (common.Address, error) {
	return s.asset, nil
}

func TestRegisterVaults(t *testing.T) {
	asset := common.HexToAddress("0x2000000000000000000000000000000000000002")
	localVault := common.HexToAddress("0x5000000000000000000000000000000000000005")
	remoteVault := common.HexToAddress("0x6000000000000000000000000000000000000006")

	reg := registry.New(1, asset, registry.DefaultMaxDeviationBps, zap.NewNop())
	chain := &config.ChainConfig{
		Domain:       1,
		Vaults:       []string{localVault.Hex()},
		RemoteVaults: map[string][]string{"2": {remoteVault.Hex()}},
	}

	var bound []common.Address
	err := registerVaults(context.Background(), reg, chain, asset, func(addr common.Address) (vault.Vault, error) {
		bound = append(bound, addr)
		return &stubVault{asset: asset}, nil
	})
	require.NoError(t, err)

	// Only local vaults get a handle; both ends come up active.
	assert.Equal(t, []common.Address{localVault}, bound)
	assert.True(t, reg.IsActive(1, localVault))
	assert.True(t, reg.IsActive(2, remoteVault))

	_, err = reg.Handle(1, localVault)
	assert.NoError(t, err)
	_, err = reg.Handle(2, remoteVault)
	assert.Error(t, err)
}

func TestRegisterVaults_Errors(t *testing.T) {
	asset := common.HexToAddress("0x2000000000000000000000000000000000000002")
	bind := func(common.Address) (vault.Vault, error) {
		return &stubVault{asset: asset}, nil
	}

	reg := registry.New(1, asset, registry.DefaultMaxDeviationBps, zap.NewNop())
	err := registerVaults(context.Background(), reg, &config.ChainConfig{
		Domain: 1,
		Vaults: []string{"not-an-address"},
	}, asset, bind)
	assert.Error(t, err)

	err = registerVaults(context.Background(), reg, &config.ChainConfig{
		Domain:       1,
		RemoteVaults: map[string][]string{"not-a-domain": {"0x6000000000000000000000000000000000000006"}},
	}, asset, bind)
	assert.Error(t, err)

	bindErr := errors.New("rpc unreachable")
	err = registerVaults(context.Background(), reg, &config.ChainConfig{
		Domain: 1,
		Vaults: []string{"0x5000000000000000000000000000000000000005"},
	}, asset, func(common.Address) (vault.Vault, error) {
		return nil, bindErr
	})
	assert.ErrorIs(t, err, bindErr)
}
