package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert creates the session unless the id is already taken.
	Insert(ctx context.Context, db *gorm.DB, session *Session) (bool, error)
	Find(ctx context.Context, db *gorm.DB, sessionID string) (*Session, error)
	// Lock reads the session with SELECT ... FOR UPDATE so concurrent ticks of
	// one session serialize.
	Lock(ctx context.Context, db *gorm.DB, sessionID string) (*Session, error)
	UpdateProgress(ctx context.Context, db *gorm.DB, sessionID string, lastBilled int64, now time.Time) error
	MarkEnded(ctx context.Context, db *gorm.DB, sessionID string, reason EndReason, lastBilled int64, now time.Time) error
}
