package settlementdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/crossvault/middleware/pkg/db/dao"
	mghelper "github.com/crossvault/middleware/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating pending_withdrawals table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.PendingWithdrawalDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.PendingWithdrawalDao{}, "user_address", "created_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping pending_withdrawals table...")
		return mghelper.DropTables(ctx, db, &dao.PendingWithdrawalDao{})
	})
}
