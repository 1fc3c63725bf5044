package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type minuteRow struct {
	SessionID *string
	Topic     *string
	Delta     int64
	CreatedAt time.Time
}

func (r *repo) ListMinutes(ctx context.Context, db *gorm.DB, accountID snowflake.ID, from, to time.Time) ([]domain.MinuteRow, error) {
	stmt := db.WithContext(ctx).
		Model(&ledgerdomain.Transaction{}).
		Select("session_id", "topic", "delta", "created_at").
		Where("account_id = ? AND reason = ?", accountID, ledgerdomain.ReasonSessionMinute)
	if !from.IsZero() {
		stmt = stmt.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		stmt = stmt.Where("created_at < ?", to)
	}

	var rows []minuteRow
	if err := stmt.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]domain.MinuteRow, 0, len(rows))
	for _, row := range rows {
		item := domain.MinuteRow{
			Credits:   -row.Delta,
			CreatedAt: row.CreatedAt,
		}
		if row.SessionID != nil {
			item.SessionID = *row.SessionID
		}
		if row.Topic != nil {
			item.Topic = *row.Topic
		}
		out = append(out, item)
	}
	return out, nil
}
