package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// PendingDepositDao maps directly to the 'pending_deposits' table in
// PostgreSQL. Amounts are stored as NUMERIC strings to keep full 256-bit
// precision.
type PendingDepositDao struct {
	bun.BaseModel    `bun:"table:pending_deposits,alias:pd"`
	ID               string    `bun:"id,pk,type:varchar(66)"`
	UserAddress      string    `bun:"user_address,notnull,type:varchar(42)"`
	SourceChain      int64     `bun:"source_chain,notnull"`
	DestinationChain int64     `bun:"destination_chain,notnull"`
	VaultAddress     string    `bun:"vault_address,notnull,type:varchar(42)"`
	Amount           string    `bun:"amount,notnull,type:numeric(78,0)"`
	MinShares        string    `bun:"min_shares,notnull,type:numeric(78,0)"`
	Deadline         time.Time `bun:"deadline,notnull"`
	Nonce            int64     `bun:"nonce,notnull"`
	BridgeCompleted  bool      `bun:"bridge_completed,notnull,default:false"`
	SharesIssued     bool      `bun:"shares_issued,notnull,default:false"`
	CreatedAt        time.Time `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}
