package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// ListMinutes returns session-minute debits of the account created in
	// [from, to). Zero bounds are open.
	ListMinutes(ctx context.Context, db *gorm.DB, accountID snowflake.ID, from, to time.Time) ([]MinuteRow, error)
}

// Service is the read-only usage projection. Results may lag the ledger by
// the configured cache TTL.
type Service interface {
	UsageByTopic(ctx context.Context, accountID snowflake.ID) ([]TopicUsage, error)
	UsageByWindow(ctx context.Context, accountID snowflake.ID, req WindowRequest) ([]WindowBucket, error)
	// Invalidate drops cached projections of the account.
	Invalidate(accountID snowflake.ID)
}
