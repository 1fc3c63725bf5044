package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxIdempotencyKeyLength = 200

func NewProvisioner(p Params) domain.Provisioner {
	return newService(p, "credit.provisioner")
}

// Provision creates the account for a subject if it does not exist yet. New
// user accounts receive the configured welcome bonus unless req overrides it.
func (s *Service) Provision(ctx context.Context, req domain.ProvisionRequest) (result *domain.ProvisionResult, err error) {
	subject, err := normalizeSubject(domain.Subject{ID: req.SubjectID, Kind: req.Kind})
	if err != nil {
		return nil, err
	}

	bonus := int64(0)
	switch {
	case req.WelcomeBonus != nil:
		bonus = *req.WelcomeBonus
	case subject.Kind == domain.AccountKindUser:
		bonus = s.policy.Get().WelcomeBonusCredits
	}
	if bonus < 0 {
		return nil, domain.ErrInvalidCredits
	}

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "ledger.Provision", attribute.String("account_kind", string(subject.Kind)))
	defer func() {
		tracing.End(span, err)
		s.finish("provision", start, err)
	}()

	var (
		account *domain.Account
		created bool
		granted int64
	)
	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		now := s.clock.Now()
		candidate := &domain.Account{
			ID:        s.genID.Generate(),
			SubjectID: subject.ID,
			Kind:      subject.Kind,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		inserted, err := s.repo.CreateAccount(ctx, tx, candidate)
		if err != nil {
			return err
		}
		created, granted = inserted, 0
		if !inserted {
			existing, err := s.repo.FindAccountBySubject(ctx, tx, subject.ID, subject.Kind)
			if err != nil {
				return err
			}
			account = existing
			return nil
		}
		account = candidate
		if bonus == 0 {
			return nil
		}

		key := domain.WelcomeKey(candidate.ID)
		if _, err := s.guard.TryClaim(ctx, tx, &domain.IdempotencyRecord{
			Key:       key,
			Reason:    domain.ReasonAdjustment,
			AccountID: candidate.ID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		txn := &domain.Transaction{
			ID:             s.genID.Generate(),
			Reason:         domain.ReasonAdjustment,
			IdempotencyKey: key,
			Metadata:       datatypes.JSONMap{"note": "welcome_bonus"},
			CreatedAt:      now,
		}
		updated, err := s.repo.ApplyDelta(ctx, tx, candidate.ID, bonus, 0, txn)
		if err != nil {
			return err
		}
		if err := s.guard.Record(ctx, tx, key, txn.ID, updated.Balance); err != nil {
			return err
		}
		account = updated
		granted = bonus
		return nil
	})
	if err != nil {
		return nil, err
	}

	if granted > 0 {
		s.metrics.RecordLedgerTransaction(ctx, string(domain.ReasonAdjustment), 1)
	}
	if created {
		s.log.Info("account provisioned",
			zap.String("account_id", account.ID.String()),
			zap.String("kind", string(account.Kind)),
			zap.Int64("welcome_bonus", granted),
		)
	}

	view, err := s.view(ctx, s.db, account)
	if err != nil {
		return nil, err
	}
	return &domain.ProvisionResult{
		Account:      *view,
		Created:      created,
		BonusGranted: granted,
	}, nil
}

// Deactivate stops an account from starting sessions or receiving
// allocations. Its rows and history stay in place.
func (s *Service) Deactivate(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return domain.ErrAccountNotFound
	}
	if err := s.repo.SetActive(ctx, s.db, accountID, false); err != nil {
		return err
	}
	s.log.Info("account deactivated", zap.String("account_id", accountID.String()))
	return nil
}

// Adjust appends an offsetting entry. Debits may not drop a user below zero
// nor an organization below the credits reserved for its members.
func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (result *domain.OperationResult, err error) {
	if req.AccountID == 0 {
		return nil, domain.ErrAccountNotFound
	}
	if req.Delta == 0 {
		return nil, domain.ErrInvalidDelta
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = s.genID.Generate().String()
	}
	if len(key) > maxIdempotencyKeyLength {
		return nil, domain.ErrInvalidIdempotencyKey
	}
	opKey := domain.AdjustmentKey(key)

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "ledger.Adjust", accountAttr(req.AccountID), attribute.Int64("delta", req.Delta))
	defer func() {
		tracing.End(span, err, domain.ErrInsufficientCredits, domain.ErrAccountNotFound)
		s.finish("adjust", start, err)
	}()

	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		account, err := s.repo.LockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return domain.ErrAccountInactive
		}

		now := s.clock.Now()
		claimed, err := s.guard.TryClaim(ctx, tx, &domain.IdempotencyRecord{
			Key:       opKey,
			Reason:    domain.ReasonAdjustment,
			AccountID: account.ID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !claimed {
			rec, err := s.guard.Lookup(ctx, tx, opKey)
			if err != nil {
				return err
			}
			result = domain.ReplayResult(rec)
			return nil
		}

		floor := int64(0)
		if account.Kind == domain.AccountKindOrganization {
			floor, err = s.repo.SumEncumbered(ctx, tx, account.ID, "")
			if err != nil {
				return err
			}
		}

		txn := &domain.Transaction{
			ID:             s.genID.Generate(),
			Reason:         domain.ReasonAdjustment,
			IdempotencyKey: opKey,
			CreatedAt:      now,
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			txn.Metadata = datatypes.JSONMap{"note": note}
		}
		updated, err := s.repo.ApplyDelta(ctx, tx, account.ID, req.Delta, floor, txn)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return domain.ErrInsufficientCredits
			}
			return err
		}
		if err := s.guard.Record(ctx, tx, opKey, txn.ID, updated.Balance); err != nil {
			return err
		}
		result = &domain.OperationResult{
			AccountID:     account.ID,
			TransactionID: txn.ID,
			Balance:       updated.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.metrics.RecordLedgerTransaction(ctx, string(domain.ReasonAdjustment), 1)
		s.log.Info("balance adjusted",
			zap.String("account_id", req.AccountID.String()),
			zap.Int64("delta", req.Delta),
			zap.Int64("balance", result.Balance),
		)
	}
	return result, nil
}
