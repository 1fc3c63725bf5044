package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/allocation/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	operationAllocate = "allocate"
	operationAdd      = "add_member"
	operationRemove   = "remove_member"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	LedgerRepo    ledgerdomain.Repository
	Guard         ledgerdomain.IdempotencyGuard
	Policy        *config.MeteringConfigHolder `optional:"true"`
	Metrics       *metrics.Metrics             `optional:"true"`
	CreditMetrics *metrics.CreditMetrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	ledgerRepo    ledgerdomain.Repository
	guard         ledgerdomain.IdempotencyGuard
	policy        *config.MeteringConfigHolder
	metrics       *metrics.Metrics
	creditMetrics *metrics.CreditMetrics
}

func New(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("credit.allocation"),
		genID:         p.GenID,
		clock:         c,
		repo:          p.Repo,
		ledgerRepo:    p.LedgerRepo,
		guard:         p.Guard,
		policy:        p.Policy,
		metrics:       p.Metrics,
		creditMetrics: p.CreditMetrics,
	}
}

// Allocate sets the member allocation to req.Allocated. Growing an allocation
// must fit in the part of the organization balance not reserved for other
// members. Balance itself never changes here.
func (s *Service) Allocate(ctx context.Context, req domain.AllocateRequest) (result *domain.AllocationResult, err error) {
	orgID, memberID, err := normalizeMember(req.OrganizationID, req.MemberID)
	if err != nil {
		return nil, err
	}
	if req.Allocated < 0 {
		return nil, ledgerdomain.ErrInvalidAllocation
	}
	var opKey string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		opKey = ledgerdomain.AllocationKey(key)
	}

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "allocation.Allocate", attribute.Int64("allocated", req.Allocated))
	defer func() {
		tracing.End(span, err, ledgerdomain.ErrAllocationExceedsPool, ledgerdomain.ErrInvalidAllocation)
		s.done(operationAllocate, start, result, err)
	}()

	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		if opKey != "" {
			claimed, err := s.guard.TryClaim(ctx, tx, &ledgerdomain.IdempotencyRecord{
				Key:       opKey,
				Reason:    ledgerdomain.ReasonAllocationGrant,
				AccountID: org.ID,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			if !claimed {
				allocation, err := s.repo.FindByMember(ctx, tx, org.ID, memberID)
				if err != nil {
					return err
				}
				encumbered, err := s.ledgerRepo.SumEncumbered(ctx, tx, org.ID, "")
				if err != nil {
					return err
				}
				result = &domain.AllocationResult{
					Allocation: *allocation,
					Available:  org.Balance - encumbered,
					Duplicate:  true,
				}
				return nil
			}
		}

		allocation, err := s.lockOrCreate(ctx, tx, org.ID, memberID, now)
		if err != nil {
			return err
		}
		if !allocation.Active {
			return domain.ErrMemberInactive
		}
		if req.Allocated < allocation.Consumed {
			return ledgerdomain.ErrInvalidAllocation
		}

		others, err := s.ledgerRepo.SumEncumbered(ctx, tx, org.ID, memberID)
		if err != nil {
			return err
		}
		diff := req.Allocated - allocation.Allocated
		if diff > 0 && req.Allocated-allocation.Consumed > org.Balance-others {
			return ledgerdomain.ErrAllocationExceedsPool
		}

		var txnID snowflake.ID
		if diff != 0 {
			allocation.Allocated = req.Allocated
			allocation.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, allocation); err != nil {
				return err
			}
			txnID, err = s.recordReservation(ctx, tx, org, memberID, diff, opKey, now)
			if err != nil {
				return err
			}
		}
		if opKey != "" {
			if err := s.guard.Record(ctx, tx, opKey, txnID, org.Balance); err != nil {
				return err
			}
		}

		result = &domain.AllocationResult{
			Allocation: *allocation,
			Diff:       diff,
			Available:  org.Balance - others - allocation.Remaining(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Diff != 0 {
		s.log.Info("allocation updated",
			zap.String("organization_id", orgID),
			zap.String("member_id", memberID),
			zap.Int64("allocated", result.Allocation.Allocated),
			zap.Int64("diff", result.Diff),
		)
	}
	return result, nil
}

// AddMember creates an empty allocation for the member, reactivating one that
// was removed earlier.
func (s *Service) AddMember(ctx context.Context, organizationID, memberID string) (allocation *domain.Allocation, err error) {
	orgID, memberID, err := normalizeMember(organizationID, memberID)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	defer func() {
		var result *domain.AllocationResult
		if allocation != nil {
			result = &domain.AllocationResult{Allocation: *allocation}
		}
		s.done(operationAdd, start, result, err)
	}()

	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		current, err := s.lockOrCreate(ctx, tx, org.ID, memberID, now)
		if err != nil {
			return err
		}
		if !current.Active {
			current.Active = true
			current.Allocated = current.Consumed
			current.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, current); err != nil {
				return err
			}
		}
		allocation = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

// RemoveMember deactivates the allocation and releases its remaining
// reservation back to the pool.
func (s *Service) RemoveMember(ctx context.Context, organizationID, memberID string) (result *domain.AllocationResult, err error) {
	orgID, memberID, err := normalizeMember(organizationID, memberID)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	defer func() {
		s.done(operationRemove, start, result, err)
	}()

	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		allocation, err := s.repo.LockByMember(ctx, tx, org.ID, memberID)
		if err != nil {
			return err
		}

		encumbered, err := s.ledgerRepo.SumEncumbered(ctx, tx, org.ID, memberID)
		if err != nil {
			return err
		}
		if !allocation.Active {
			result = &domain.AllocationResult{
				Allocation: *allocation,
				Available:  org.Balance - encumbered,
				Duplicate:  true,
			}
			return nil
		}

		now := s.clock.Now()
		released := allocation.Remaining()
		allocation.Active = false
		allocation.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, allocation); err != nil {
			return err
		}
		if released != 0 {
			if _, err := s.recordReservation(ctx, tx, org, memberID, -released, "", now); err != nil {
				return err
			}
		}

		result = &domain.AllocationResult{
			Allocation: *allocation,
			Diff:       -released,
			Available:  org.Balance - encumbered,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) GetAllocation(ctx context.Context, organizationID, memberID string) (*domain.Allocation, error) {
	orgID, memberID, err := normalizeMember(organizationID, memberID)
	if err != nil {
		return nil, err
	}
	org, err := s.ledgerRepo.FindAccountBySubject(ctx, s.db, orgID, ledgerdomain.AccountKindOrganization)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByMember(ctx, s.db, org.ID, memberID)
}

func (s *Service) ListAllocations(ctx context.Context, organizationID string) (*domain.PoolSummary, error) {
	orgID := strings.TrimSpace(organizationID)
	if orgID == "" {
		return nil, ledgerdomain.ErrInvalidSubject
	}
	org, err := s.ledgerRepo.FindAccountBySubject(ctx, s.db, orgID, ledgerdomain.AccountKindOrganization)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.ListByOrganization(ctx, s.db, org.ID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []domain.Allocation{}
	}

	var encumbered int64
	for _, member := range members {
		encumbered += member.Remaining()
	}
	return &domain.PoolSummary{
		OrganizationAccountID: org.ID,
		Balance:               org.Balance,
		Encumbered:            encumbered,
		Available:             org.Balance - encumbered,
		Members:               members,
	}, nil
}

func (s *Service) lockOrganization(ctx context.Context, tx *gorm.DB, orgID string) (*ledgerdomain.Account, error) {
	org, err := s.ledgerRepo.FindAccountBySubject(ctx, tx, orgID, ledgerdomain.AccountKindOrganization)
	if err != nil {
		return nil, err
	}
	org, err = s.ledgerRepo.LockAccount(ctx, tx, org.ID)
	if err != nil {
		return nil, err
	}
	if !org.Active {
		return nil, ledgerdomain.ErrAccountInactive
	}
	return org, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx *gorm.DB, orgAccountID snowflake.ID, memberID string, now time.Time) (*domain.Allocation, error) {
	allocation, err := s.repo.LockByMember(ctx, tx, orgAccountID, memberID)
	if err == nil {
		return allocation, nil
	}
	if !errors.Is(err, domain.ErrAllocationNotFound) {
		return nil, err
	}

	allocation = &domain.Allocation{
		ID:                    s.genID.Generate(),
		OrganizationAccountID: orgAccountID,
		MemberID:              memberID,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	inserted, err := s.repo.Insert(ctx, tx, allocation)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.repo.LockByMember(ctx, tx, orgAccountID, memberID)
	}
	return allocation, nil
}

// recordReservation appends a zero-delta row carrying the encumbrance change.
func (s *Service) recordReservation(ctx context.Context, tx *gorm.DB, org *ledgerdomain.Account, memberID string, diff int64, opKey string, now time.Time) (snowflake.ID, error) {
	reason := ledgerdomain.ReasonAllocationGrant
	if diff < 0 {
		reason = ledgerdomain.ReasonAllocationReclaim
	}
	txnID := s.genID.Generate()
	key := opKey
	if key == "" {
		key = ledgerdomain.AllocationKey(txnID.String())
	}
	txn := &ledgerdomain.Transaction{
		ID:             txnID,
		AccountID:      org.ID,
		Reserved:       diff,
		BalanceAfter:   org.Balance,
		Reason:         reason,
		IdempotencyKey: key,
		MemberID:       ledgerdomain.StringPtr(memberID),
		CreatedAt:      now,
	}
	if err := s.ledgerRepo.InsertTransaction(ctx, tx, txn); err != nil {
		return 0, err
	}
	return txnID, nil
}

func (s *Service) retryPolicy() db.RetryPolicy {
	return db.RetryPolicy{
		MaxAttempts: s.policy.Get().RetryAttempts,
		Notify:      s.creditMetrics.RetryNotifier("allocation", s.log),
	}
}

func (s *Service) done(operation string, start time.Time, result *domain.AllocationResult, err error) {
	s.creditMetrics.ObserveOperation(operation, time.Since(start))
	switch {
	case err == nil && result != nil && result.Duplicate:
		s.creditMetrics.RecordAllocation(operation, metrics.OutcomeDuplicate)
	case err == nil:
		s.creditMetrics.RecordAllocation(operation, metrics.OutcomeApplied)
		if result != nil && result.Diff != 0 {
			reason := ledgerdomain.ReasonAllocationGrant
			if result.Diff < 0 {
				reason = ledgerdomain.ReasonAllocationReclaim
			}
			s.metrics.RecordLedgerTransaction(context.Background(), string(reason), 1)
		}
	case errors.Is(err, ledgerdomain.ErrAllocationExceedsPool), errors.Is(err, ledgerdomain.ErrInvalidAllocation):
		s.creditMetrics.RecordAllocation(operation, metrics.OutcomeRejected)
	default:
		s.creditMetrics.RecordAllocation(operation, metrics.OutcomeFailed)
		if errors.Is(err, db.ErrConflict) {
			s.creditMetrics.RecordConflict("allocation")
		}
	}
}

func normalizeMember(organizationID, memberID string) (string, string, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return "", "", ledgerdomain.ErrInvalidSubject
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", "", domain.ErrInvalidMember
	}
	return organizationID, memberID, nil
}
