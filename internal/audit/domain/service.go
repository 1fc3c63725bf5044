package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

var ErrInvalidAction = errors.New("invalid_action")

// Entry is an action to record. An empty actor type falls back to the system
// actor.
type Entry struct {
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
}

type ListRequest struct {
	Action     string
	TargetType string
	TargetID   string
	Limit      int
	PageToken  string
}

type ListResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	Cursor     *pagination.Cursor
	Limit      int
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	// List returns up to filter.Limit+1 rows newest first.
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}
