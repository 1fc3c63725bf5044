package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service is the read-only balance accessor.
type Service interface {
	ResolveAccount(ctx context.Context, subject Subject) (*Account, error)
	GetBalance(ctx context.Context, subject Subject) (*BalanceView, error)
	GetBalanceByAccount(ctx context.Context, accountID snowflake.ID) (*BalanceView, error)
	HasAtLeast(ctx context.Context, accountID snowflake.ID, n int64) (bool, error)
	GetHistory(ctx context.Context, subject Subject, req HistoryRequest) (*HistoryPage, error)
	GetUsageByTopic(ctx context.Context, subject Subject) ([]TopicUsage, error)
}

// Provisioner owns account lifecycle and administrative corrections.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
	Deactivate(ctx context.Context, accountID snowflake.ID) error
	Adjust(ctx context.Context, req AdjustRequest) (*OperationResult, error)
}

// UsageReporter is implemented by the usage projection.
type UsageReporter interface {
	UsageByTopic(ctx context.Context, accountID snowflake.ID) ([]TopicUsage, error)
}
