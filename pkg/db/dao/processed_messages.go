package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// ProcessedMessageDao maps to the append-only 'processed_messages' dedup set.
// Rows are never deleted.
type ProcessedMessageDao struct {
	bun.BaseModel `bun:"table:processed_messages,alias:pm"`
	Hash          string    `bun:"hash,pk,type:varchar(66)"`
	ProcessedAt   time.Time `bun:"processed_at,nullzero,default:current_timestamp"`
}

// NonceStateDao maps to the 'nonce_state' table holding the monotonic
// per-(user, chain) deposit nonces.
type NonceStateDao struct {
	bun.BaseModel `bun:"table:nonce_state,alias:ns"`
	UserAddress   string    `bun:"user_address,pk,type:varchar(42)"`
	Chain         int64     `bun:"chain,pk"`
	Nonce         int64     `bun:"nonce,notnull,default:0"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}
