package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const vault4626ABI = `[
	{"type":"function","name":"deposit","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"redeem","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"assets","type":"uint256"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"convertToAssets","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"maxDeposit","inputs":[{"name":"receiver","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"asset","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
	{"type":"event","name":"Deposit","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"Withdraw","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}],"anonymous":false}
]`

// Vault4626 drives an ERC-4626 vault contract. It implements vault.Vault.
type Vault4626 struct {
	client   *Client
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewVault4626 binds the vault at address.
func NewVault4626(client *Client, address common.Address) (*Vault4626, error) {
	parsed, err := abi.JSON(strings.NewReader(vault4626ABI))
	if err != nil {
		return nil, fmt.Errorf("parsing vault abi: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, client.Backend(), client.Backend(), client.Backend())
	return &Vault4626{client: client, address: address, abi: parsed, contract: contract}, nil
}

// Address returns the vault contract address.
func (v *Vault4626) Address() common.Address {
	return v.address
}

// Deposit moves assets into the vault and reports the shares credited, read
// back from the vault's Deposit event since tx return data is not available.
func (v *Vault4626) Deposit(ctx context.Context, amount *big.Int, receiver common.Address) (*big.Int, error) {
	receipt, err := v.transact(ctx, "deposit", amount, receiver)
	if err != nil {
		return nil, err
	}
	return v.eventAmount(receipt, "Deposit", 1)
}

// Redeem burns shares and reports the assets paid out, read back from the
// vault's Withdraw event.
func (v *Vault4626) Redeem(ctx context.Context, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	receipt, err := v.transact(ctx, "redeem", shares, receiver, owner)
	if err != nil {
		return nil, err
	}
	return v.eventAmount(receipt, "Withdraw", 0)
}

func (v *Vault4626) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := v.contract.Call(opts, &out, "convertToAssets", shares); err != nil {
		return nil, fmt.Errorf("convertToAssets: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (v *Vault4626) MaxDeposit(ctx context.Context, receiver common.Address) (*big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := v.contract.Call(opts, &out, "maxDeposit", receiver); err != nil {
		return nil, fmt.Errorf("maxDeposit: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (v *Vault4626) Asset(ctx context.Context) (common.Address, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := v.contract.Call(opts, &out, "asset"); err != nil {
		return common.Address{}, fmt.Errorf("asset: %w", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (v *Vault4626) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	opts, err := v.client.transactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := v.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v.client.waitMined(ctx, tx)
}

// eventAmount extracts the argIdx-th non-indexed uint256 from the named vault
// event in the receipt.
func (v *Vault4626) eventAmount(receipt *types.Receipt, name string, argIdx int) (*big.Int, error) {
	ev, ok := v.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}
	for _, log := range receipt.Logs {
		if log.Address != v.address || len(log.Topics) == 0 || log.Topics[0] != ev.ID {
			continue
		}
		values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpacking %s event: %w", name, err)
		}
		if argIdx >= len(values) {
			return nil, fmt.Errorf("%s event has %d values, want index %d", name, len(values), argIdx)
		}
		return abi.ConvertType(values[argIdx], new(big.Int)).(*big.Int), nil
	}
	return nil, fmt.Errorf("no %s event in tx %s", name, receipt.TxHash.Hex())
}
