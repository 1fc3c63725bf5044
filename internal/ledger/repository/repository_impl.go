package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateAccount(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindAccountBySubject(ctx context.Context, db *gorm.DB, subjectID string, kind domain.AccountKind) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).
		Where("subject_id = ? AND kind = ?", subjectID, kind).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) LockAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) ApplyDelta(ctx context.Context, db *gorm.DB, accountID snowflake.ID, delta, floor int64, txn *domain.Transaction) (*domain.Account, error) {
	if txn == nil {
		return nil, errors.New("transaction row is required")
	}

	var acquired, consumed int64
	if delta > 0 {
		acquired = delta
	} else {
		consumed = -delta
	}

	stmt := db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", accountID)
	if delta < 0 {
		stmt = stmt.Where("balance + ? >= ?", delta, floor)
	}
	result := stmt.Updates(map[string]any{
		"balance":        gorm.Expr("balance + ?", delta),
		"total_acquired": gorm.Expr("total_acquired + ?", acquired),
		"total_consumed": gorm.Expr("total_consumed + ?", consumed),
		"updated_at":     txn.CreatedAt,
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindAccountByID(ctx, db, accountID); err != nil {
			return nil, err
		}
		return nil, domain.ErrInsufficientFunds
	}

	account, err := r.FindAccountByID(ctx, db, accountID)
	if err != nil {
		return nil, err
	}

	txn.AccountID = accountID
	txn.Delta = delta
	txn.BalanceAfter = account.Balance
	if err := db.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, err
	}
	return account, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	if txn.Delta != 0 {
		return domain.ErrInvalidDelta
	}
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) error {
	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	stmt := db.WithContext(ctx).
		Where("account_id = ?", accountID)
	if cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []domain.Transaction
	err := stmt.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) SumDeltas(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("account_id = ?", accountID).
		Scan(&total).Error
	return total, err
}

func (r *repo) ListAccounts(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	err := db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *repo) SumEncumbered(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, excludeMemberID string) (int64, error) {
	stmt := db.WithContext(ctx).
		Table("allocations").
		Select("COALESCE(SUM(allocated - consumed), 0)").
		Where("organization_account_id = ? AND active = ?", orgAccountID, true)
	if excludeMemberID != "" {
		stmt = stmt.Where("member_id <> ?", excludeMemberID)
	}

	var total int64
	err := stmt.Scan(&total).Error
	return total, err
}
