package repository

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/metering/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *domain.Session) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(session)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Session, error) {
	return r.find(db.WithContext(ctx), sessionID)
}

func (r *repo) Lock(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Session, error) {
	return r.find(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), sessionID)
}

func (r *repo) find(stmt *gorm.DB, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := stmt.Where("session_id = ?", sessionID).Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *repo) UpdateProgress(ctx context.Context, db *gorm.DB, sessionID string, lastBilled int64, now time.Time) error {
	result := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("session_id = ? AND status = ? AND last_billed_minute <= ?", sessionID, domain.SessionStatusActive, lastBilled).
		Updates(map[string]any{
			"last_billed_minute": lastBilled,
			"updated_at":         now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrSessionEnded
	}
	return nil
}

func (r *repo) MarkEnded(ctx context.Context, db *gorm.DB, sessionID string, reason domain.EndReason, lastBilled int64, now time.Time) error {
	result := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("session_id = ? AND status = ?", sessionID, domain.SessionStatusActive).
		Updates(map[string]any{
			"status":             domain.SessionStatusEnded,
			"end_reason":         reason,
			"last_billed_minute": lastBilled,
			"ended_at":           now,
			"updated_at":         now,
		})
	return result.Error
}
