// Package db provides the PostgreSQL-backed settlement store used by
// long-running nodes. It implements settlement.Store; the in-memory
// counterpart lives in pkg/settlement.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uptrace/bun"

	"github.com/crossvault/middleware/pkg/db/dao"
	"github.com/crossvault/middleware/pkg/settlement"
)

// Store persists pending operations, the dedup set, and nonces in Postgres.
type Store struct {
	db *bun.DB
}

// NewStore wraps an open bun connection.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetDeposit(ctx context.Context, id common.Hash) (*settlement.PendingDeposit, error) {
	row := new(dao.PendingDepositDao)
	err := s.db.NewSelect().Model(row).Where("id = ?", id.Hex()).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return depositFromDao(row)
}

func (s *Store) PutDeposit(ctx context.Context, d *settlement.PendingDeposit) error {
	_, err := s.db.NewInsert().Model(depositToDao(d)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create deposit: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeposit(ctx context.Context, d *settlement.PendingDeposit) error {
	row := depositToDao(d)
	row.UpdatedAt = time.Now()
	res, err := s.db.NewUpdate().
		Model(row).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update deposit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deposit %s does not exist", d.ID.Hex())
	}
	return nil
}

func (s *Store) DeleteDeposit(ctx context.Context, id common.Hash) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*dao.PendingDepositDao)(nil)).
		Where("id = ?", id.Hex()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to delete deposit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListDepositsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*settlement.PendingDeposit, error) {
	var rows []*dao.PendingDepositDao
	err := s.db.NewSelect().
		Model(&rows).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	out := make([]*settlement.PendingDeposit, 0, len(rows))
	for _, row := range rows {
		d, err := depositFromDao(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id common.Hash) (*settlement.PendingWithdrawal, error) {
	row := new(dao.PendingWithdrawalDao)
	err := s.db.NewSelect().Model(row).Where("id = ?", id.Hex()).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return withdrawalFromDao(row)
}

func (s *Store) PutWithdrawal(ctx context.Context, w *settlement.PendingWithdrawal) error {
	_, err := s.db.NewInsert().Model(withdrawalToDao(w)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (s *Store) DeleteWithdrawal(ctx context.Context, id common.Hash) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*dao.PendingWithdrawalDao)(nil)).
		Where("id = ?", id.Hex()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to delete withdrawal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListWithdrawalsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*settlement.PendingWithdrawal, error) {
	var rows []*dao.PendingWithdrawalDao
	err := s.db.NewSelect().
		Model(&rows).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	out := make([]*settlement.PendingWithdrawal, 0, len(rows))
	for _, row := range rows {
		w, err := withdrawalFromDao(row)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) MarkMessageProcessed(ctx context.Context, h common.Hash) (bool, error) {
	res, err := s.db.NewInsert().
		Model(&dao.ProcessedMessageDao{Hash: h.Hex()}).
		On("CONFLICT (hash) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to mark message processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) NextNonce(ctx context.Context, user common.Address, chain uint32) (uint64, error) {
	var nonce int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO nonce_state (user_address, chain, nonce)
		VALUES (?, ?, 1)
		ON CONFLICT (user_address, chain)
		DO UPDATE SET nonce = nonce_state.nonce + 1, updated_at = NOW()
		RETURNING nonce
	`, user.Hex(), int64(chain)).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to advance nonce: %w", err)
	}
	return uint64(nonce), nil
}

func (s *Store) CountPending(ctx context.Context) (int, int, error) {
	deposits, err := s.db.NewSelect().Model((*dao.PendingDepositDao)(nil)).Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count deposits: %w", err)
	}
	withdrawals, err := s.db.NewSelect().Model((*dao.PendingWithdrawalDao)(nil)).Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count withdrawals: %w", err)
	}
	return deposits, withdrawals, nil
}

// ListDeposits returns the most recent pending deposits, for the operator API.
func (s *Store) ListDeposits(ctx context.Context, limit int) ([]*settlement.PendingDeposit, error) {
	var rows []*dao.PendingDepositDao
	err := s.db.NewSelect().
		Model(&rows).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	out := make([]*settlement.PendingDeposit, 0, len(rows))
	for _, row := range rows {
		d, err := depositFromDao(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func depositToDao(d *settlement.PendingDeposit) *dao.PendingDepositDao {
	return &dao.PendingDepositDao{
		ID:               d.ID.Hex(),
		UserAddress:      d.User.Hex(),
		SourceChain:      int64(d.SourceChain),
		DestinationChain: int64(d.DestinationChain),
		VaultAddress:     d.Vault.Hex(),
		Amount:           d.Amount.String(),
		MinShares:        d.MinShares.String(),
		Deadline:         d.Deadline,
		Nonce:            int64(d.Nonce),
		BridgeCompleted:  d.BridgeCompleted,
		SharesIssued:     d.SharesIssued,
		CreatedAt:        d.CreatedAt,
	}
}

func depositFromDao(row *dao.PendingDepositDao) (*settlement.PendingDeposit, error) {
	amount, err := parseBig(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("deposit %s amount: %w", row.ID, err)
	}
	minShares, err := parseBig(row.MinShares)
	if err != nil {
		return nil, fmt.Errorf("deposit %s min shares: %w", row.ID, err)
	}
	return &settlement.PendingDeposit{
		ID:               common.HexToHash(row.ID),
		User:             common.HexToAddress(row.UserAddress),
		SourceChain:      uint32(row.SourceChain),
		DestinationChain: uint32(row.DestinationChain),
		Vault:            common.HexToAddress(row.VaultAddress),
		Amount:           amount,
		MinShares:        minShares,
		Deadline:         row.Deadline,
		CreatedAt:        row.CreatedAt,
		Nonce:            uint64(row.Nonce),
		BridgeCompleted:  row.BridgeCompleted,
		SharesIssued:     row.SharesIssued,
	}, nil
}

func withdrawalToDao(w *settlement.PendingWithdrawal) *dao.PendingWithdrawalDao {
	return &dao.PendingWithdrawalDao{
		ID:               w.ID.Hex(),
		UserAddress:      w.User.Hex(),
		SourceChain:      int64(w.SourceChain),
		DestinationChain: int64(w.DestinationChain),
		VaultAddress:     w.Vault.Hex(),
		Shares:           w.Shares.String(),
		MinAssets:        w.MinAssets.String(),
		Deadline:         w.Deadline,
		Nonce:            int64(w.Nonce),
		CreatedAt:        w.CreatedAt,
	}
}

func withdrawalFromDao(row *dao.PendingWithdrawalDao) (*settlement.PendingWithdrawal, error) {
	shares, err := parseBig(row.Shares)
	if err != nil {
		return nil, fmt.Errorf("withdrawal %s shares: %w", row.ID, err)
	}
	minAssets, err := parseBig(row.MinAssets)
	if err != nil {
		return nil, fmt.Errorf("withdrawal %s min assets: %w", row.ID, err)
	}
	return &settlement.PendingWithdrawal{
		ID:               common.HexToHash(row.ID),
		User:             common.HexToAddress(row.UserAddress),
		SourceChain:      uint32(row.SourceChain),
		DestinationChain: uint32(row.DestinationChain),
		Vault:            common.HexToAddress(row.VaultAddress),
		Shares:           shares,
		MinAssets:        minAssets,
		Deadline:         row.Deadline,
		CreatedAt:        row.CreatedAt,
		Nonce:            uint64(row.Nonce),
	}, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", s)
	}
	return v, nil
}
