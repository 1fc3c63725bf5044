package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type guard struct{}

func ProvideGuard() domain.IdempotencyGuard {
	return &guard{}
}

func (g *guard) TryClaim(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, domain.ErrInvalidIdempotencyKey
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (g *guard) Record(ctx context.Context, db *gorm.DB, key string, transactionID snowflake.ID, resultBalance int64) error {
	return db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("operation_key = ?", key).
		Updates(map[string]any{
			"transaction_id": transactionID,
			"result_balance": resultBalance,
		}).Error
}

func (g *guard) Lookup(ctx context.Context, db *gorm.DB, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).Where("operation_key = ?", key).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
