package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByMember(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, memberID string) (*domain.Allocation, error) {
	return r.findByMember(db.WithContext(ctx), orgAccountID, memberID)
}

func (r *repo) LockByMember(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID, memberID string) (*domain.Allocation, error) {
	return r.findByMember(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), orgAccountID, memberID)
}

func (r *repo) findByMember(stmt *gorm.DB, orgAccountID snowflake.ID, memberID string) (*domain.Allocation, error) {
	var allocation domain.Allocation
	err := stmt.
		Where("organization_account_id = ? AND member_id = ?", orgAccountID, memberID).
		Take(&allocation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &allocation, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, allocation *domain.Allocation) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_account_id"}, {Name: "member_id"}},
			DoNothing: true,
		}).
		Create(allocation)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, allocation *domain.Allocation) error {
	result := db.WithContext(ctx).
		Model(&domain.Allocation{}).
		Where("id = ?", allocation.ID).
		Updates(map[string]any{
			"allocated":  allocation.Allocated,
			"active":     allocation.Active,
			"updated_at": allocation.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAllocationNotFound
	}
	return nil
}

func (r *repo) Consume(ctx context.Context, db *gorm.DB, id snowflake.ID, n int64, now time.Time) (*domain.Allocation, error) {
	result := db.WithContext(ctx).
		Model(&domain.Allocation{}).
		Where("id = ? AND active = ? AND allocated - consumed >= ?", id, true, n).
		Updates(map[string]any{
			"consumed":   gorm.Expr("consumed + ?", n),
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ledgerdomain.ErrInsufficientFunds
	}

	var allocation domain.Allocation
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

func (r *repo) ListByOrganization(ctx context.Context, db *gorm.DB, orgAccountID snowflake.ID) ([]domain.Allocation, error) {
	var rows []domain.Allocation
	err := db.WithContext(ctx).
		Where("organization_account_id = ?", orgAccountID).
		Order("member_id ASC").
		Find(&rows).Error
	return rows, err
}
