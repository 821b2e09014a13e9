package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"burnFrom","inputs":[{"name":"account","type":"address"},{"name":"value","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
]`

// ERC20 drives a token contract. It implements both vault.Asset and, for
// mintable tokens, vault.ReceiptToken.
type ERC20 struct {
	client   *Client
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 binds the token at address.
func NewERC20(client *Client, address common.Address) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parsing erc20 abi: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, client.Backend(), client.Backend(), client.Backend())
	return &ERC20{client: client, address: address, contract: contract}, nil
}

// Address returns the token contract address.
func (t *ERC20) Address() common.Address {
	return t.address
}

func (t *ERC20) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "transfer", to, amount)
}

func (t *ERC20) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "transferFrom", from, to, amount)
}

func (t *ERC20) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "mint", to, amount)
}

func (t *ERC20) BurnFrom(ctx context.Context, from common.Address, amount *big.Int) error {
	return t.transact(ctx, "burnFrom", from, amount)
}

func (t *ERC20) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := t.contract.Call(opts, &out, "balanceOf", addr); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (t *ERC20) transact(ctx context.Context, method string, args ...any) error {
	opts, err := t.client.transactor(ctx)
	if err != nil {
		return err
	}
	tx, err := t.contract.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	_, err = t.client.waitMined(ctx, tx)
	return err
}
