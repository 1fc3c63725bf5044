package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByMember(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, memberID string) (*Allocation, error)
	// LockByMember reads the allocation row with SELECT ... FOR UPDATE.
	LockByMember(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, memberID string) (*Allocation, error)
	// Insert creates the allocation unless the member already has one.
	Insert(ctx context.Context, db *gorm.DB, allocation *Allocation) (bool, error)
	Update(ctx context.Context, db *gorm.DB, allocation *Allocation) error
	// Consume moves n credits from remaining to consumed, failing with
	// ledger ErrInsufficientFunds when fewer than n remain.
	Consume(ctx context.Context, db *gorm.DB, id snowflake.ID, n int64, now time.Time) (*Allocation, error)
	ListByOrganization(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID) ([]Allocation, error)
}
