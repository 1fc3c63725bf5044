package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Guard         domain.IdempotencyGuard
	Policy        *config.MeteringConfigHolder `optional:"true"`
	Usage         domain.UsageReporter         `optional:"true"`
	Metrics       *metrics.Metrics             `optional:"true"`
	CreditMetrics *metrics.CreditMetrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	guard         domain.IdempotencyGuard
	policy        *config.MeteringConfigHolder
	usage         domain.UsageReporter
	metrics       *metrics.Metrics
	creditMetrics *metrics.CreditMetrics
}

func newService(p Params, name string) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named(name),
		genID:         p.GenID,
		clock:         c,
		repo:          p.Repo,
		guard:         p.Guard,
		policy:        p.Policy,
		usage:         p.Usage,
		metrics:       p.Metrics,
		creditMetrics: p.CreditMetrics,
	}
}

func NewService(p Params) domain.Service {
	return newService(p, "credit.ledger")
}

func (s *Service) ResolveAccount(ctx context.Context, subject domain.Subject) (*domain.Account, error) {
	subject, err := normalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	return s.repo.FindAccountBySubject(ctx, s.db, subject.ID, subject.Kind)
}

func (s *Service) GetBalance(ctx context.Context, subject domain.Subject) (*domain.BalanceView, error) {
	account, err := s.ResolveAccount(ctx, subject)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, s.db, account)
}

func (s *Service) GetBalanceByAccount(ctx context.Context, accountID snowflake.ID) (*domain.BalanceView, error) {
	if accountID == 0 {
		return nil, domain.ErrAccountNotFound
	}
	account, err := s.repo.FindAccountByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, s.db, account)
}

// HasAtLeast reports whether the account can spend n credits. Organization
// accounts only count credits not reserved for members.
func (s *Service) HasAtLeast(ctx context.Context, accountID snowflake.ID, n int64) (bool, error) {
	if accountID == 0 {
		return false, domain.ErrAccountNotFound
	}
	account, err := s.repo.FindAccountByID(ctx, s.db, accountID)
	if err != nil {
		return false, err
	}
	return domain.HasAtLeast(ctx, s.db, s.repo, account, n)
}

func (s *Service) GetHistory(ctx context.Context, subject domain.Subject, req domain.HistoryRequest) (*domain.HistoryPage, error) {
	account, err := s.ResolveAccount(ctx, subject)
	if err != nil {
		return nil, err
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	limit := pagination.ClampLimit(req.Limit, policy.HistoryDefaultLimit, policy.HistoryMaxLimit)

	rows, err := s.repo.ListTransactions(ctx, s.db, account.ID, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(txn domain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: int64(txn.ID), CreatedAt: txn.CreatedAt}
	})
	if rows == nil {
		rows = []domain.Transaction{}
	}

	return &domain.HistoryPage{
		Transactions:  rows,
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
	}, nil
}

func (s *Service) GetUsageByTopic(ctx context.Context, subject domain.Subject) ([]domain.TopicUsage, error) {
	account, err := s.ResolveAccount(ctx, subject)
	if err != nil {
		return nil, err
	}
	if s.usage == nil {
		return []domain.TopicUsage{}, nil
	}
	return s.usage.UsageByTopic(ctx, account.ID)
}

func (s *Service) view(ctx context.Context, conn *gorm.DB, account *domain.Account) (*domain.BalanceView, error) {
	_, encumbered, err := domain.Spendable(ctx, conn, s.repo, account)
	if err != nil {
		return nil, err
	}
	view := domain.NewView(*account, encumbered)
	return &view, nil
}

func (s *Service) retryPolicy() db.RetryPolicy {
	return db.RetryPolicy{
		MaxAttempts: s.policy.Get().RetryAttempts,
		Notify:      s.creditMetrics.RetryNotifier("ledger", s.log),
	}
}

// finish records the outcome of a mutating operation.
func (s *Service) finish(operation string, start time.Time, err error) {
	s.creditMetrics.ObserveOperation(operation, time.Since(start))
	if errors.Is(err, db.ErrConflict) {
		s.creditMetrics.RecordConflict("ledger")
		s.log.Warn("operation exhausted retries", zap.String("operation", operation), zap.Error(err))
	}
}

func normalizeSubject(subject domain.Subject) (domain.Subject, error) {
	subject.ID = strings.TrimSpace(subject.ID)
	if subject.ID == "" {
		return subject, domain.ErrInvalidSubject
	}
	subject.Kind = domain.AccountKind(strings.ToLower(strings.TrimSpace(string(subject.Kind))))
	if !subject.Kind.Valid() {
		return subject, domain.ErrInvalidAccountKind
	}
	return subject, nil
}

func accountAttr(id snowflake.ID) attribute.KeyValue {
	return attribute.Int64("account_id", int64(id))
}
