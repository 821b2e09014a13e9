// Package evm provides EVM-backed implementations of the vault collaborator
// interfaces. Contracts are driven through minimal hand-parsed ABIs rather
// than generated bindings, since only a handful of methods are needed.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/config"
)

// Client holds the RPC connection and signing key shared by the contract
// adapters on one chain.
type Client struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	gasLimit   uint64
	logger     *zap.Logger
}

// NewClient connects to the chain's RPC endpoint and loads the signing key.
func NewClient(cfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	logger.Info("Connected to chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("signer", address.Hex()))

	return &Client{
		client:     client,
		privateKey: privateKey,
		address:    address,
		chainID:    big.NewInt(cfg.ChainID),
		gasLimit:   cfg.GasLimit,
		logger:     logger,
	}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	c.client.Close()
}

// Signer returns the address transactions are signed with.
func (c *Client) Signer() common.Address {
	return c.address
}

// Backend exposes the underlying bind backend for contract adapters.
func (c *Client) Backend() bind.ContractBackend {
	return c.client
}

func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	auth.Nonce = big.NewInt(int64(nonce))
	auth.GasLimit = c.gasLimit
	auth.Context = ctx
	return auth, nil
}

// waitMined blocks until the transaction is mined and checks its status.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}
