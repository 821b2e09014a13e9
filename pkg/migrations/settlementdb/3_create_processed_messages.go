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
		log.Println("creating processed_messages table...")
		return mghelper.CreateSchema(ctx, db, &dao.ProcessedMessageDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping processed_messages table...")
		return mghelper.DropTables(ctx, db, &dao.ProcessedMessageDao{})
	})
}
