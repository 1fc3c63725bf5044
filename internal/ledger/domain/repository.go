package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository is the balance store adapter. Every method runs on the handle it
// is given so callers can compose several calls into one transaction.
type Repository interface {
	// CreateAccount inserts the account unless (subject, kind) already exists.
	CreateAccount(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindAccountBySubject(ctx context.Context, db *gorm.DB, subjectID string, kind AccountKind) (*Account, error)
	// LockAccount reads the account row with SELECT ... FOR UPDATE.
	LockAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	// ApplyDelta moves the balance by delta and appends txn in the same unit.
	// A debit that would leave balance below floor fails with ErrInsufficientFunds.
	ApplyDelta(ctx context.Context, db *gorm.DB, accountID snowflake.ID, delta, floor int64, txn *Transaction) (*Account, error)
	// InsertTransaction appends a row that does not move the balance.
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cursor *pagination.Cursor, limit int) ([]Transaction, error)
	SumDeltas(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
	// ListAccounts pages accounts in id order starting after afterID.
	ListAccounts(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Account, error)
	// SumEncumbered totals allocated-minus-consumed over active members of an
	// organization account, skipping excludeMemberID when set.
	SumEncumbered(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, excludeMemberID string) (int64, error)
}

// IdempotencyGuard claims operation keys inside the caller's transaction.
type IdempotencyGuard interface {
	// TryClaim inserts rec and reports false when the key was already taken.
	TryClaim(ctx context.Context, db *gorm.DB, rec *IdempotencyRecord) (bool, error)
	Record(ctx context.Context, db *gorm.DB, key string, transactionID snowflake.ID, resultBalance int64) error
	Lookup(ctx context.Context, db *gorm.DB, key string) (*IdempotencyRecord, error)
}
