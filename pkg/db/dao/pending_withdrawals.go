package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// PendingWithdrawalDao maps directly to the 'pending_withdrawals' table.
type PendingWithdrawalDao struct {
	bun.BaseModel    `bun:"table:pending_withdrawals,alias:pw"`
	ID               string    `bun:"id,pk,type:varchar(66)"`
	UserAddress      string    `bun:"user_address,notnull,type:varchar(42)"`
	SourceChain      int64     `bun:"source_chain,notnull"`
	DestinationChain int64     `bun:"destination_chain,notnull"`
	VaultAddress     string    `bun:"vault_address,notnull,type:varchar(42)"`
	Shares           string    `bun:"shares,notnull,type:numeric(78,0)"`
	MinAssets        string    `bun:"min_assets,notnull,type:numeric(78,0)"`
	Deadline         time.Time `bun:"deadline,notnull"`
	Nonce            int64     `bun:"nonce,notnull"`
	CreatedAt        time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}
