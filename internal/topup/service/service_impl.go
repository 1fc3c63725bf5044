package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/topup/adapters"
	"github.com/smallbiznis/creditledger/internal/topup/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxExternalRefLength = 200

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	LedgerRepo    ledgerdomain.Repository
	Guard         ledgerdomain.IdempotencyGuard
	Adapters      *adapters.Registry
	Policy        *config.MeteringConfigHolder `optional:"true"`
	Metrics       *metrics.Metrics             `optional:"true"`
	CreditMetrics *metrics.CreditMetrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	ledgerRepo    ledgerdomain.Repository
	guard         ledgerdomain.IdempotencyGuard
	adapters      *adapters.Registry
	secrets       map[string]string
	tolerance     time.Duration
	policy        *config.MeteringConfigHolder
	metrics       *metrics.Metrics
	creditMetrics *metrics.CreditMetrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.topup"),
		genID:      p.GenID,
		clock:      c,
		ledgerRepo: p.LedgerRepo,
		guard:      p.Guard,
		adapters:   p.Adapters,
		secrets: map[string]string{
			"stripe": p.Cfg.Payment.StripeWebhookSecret,
		},
		tolerance:     p.Cfg.Payment.SignatureTolerance,
		policy:        p.Policy,
		metrics:       p.Metrics,
		creditMetrics: p.CreditMetrics,
	}
}

// ApplyTopup adds purchased credits. The provider and external reference form
// the idempotency key, so a redelivered purchase returns the balance recorded
// the first time and writes nothing. Replaying a reference against another
// account fails with ErrExternalRefConflict.
func (s *Service) ApplyTopup(ctx context.Context, req domain.TopupRequest) (result *ledgerdomain.OperationResult, err error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if req.Credits <= 0 {
		return nil, ledgerdomain.ErrInvalidCredits
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" || len(ref) > maxExternalRefLength {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = "manual"
	}
	key := ledgerdomain.PurchaseKey(provider, ref)

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "topup.Apply",
		attribute.String("provider", provider),
		attribute.Int64("credits", req.Credits),
	)
	defer func() {
		tracing.End(span, err, ledgerdomain.ErrAccountNotFound)
		s.creditMetrics.ObserveOperation("topup", time.Since(start))
		switch {
		case err != nil:
			if errors.Is(err, db.ErrConflict) {
				s.creditMetrics.RecordConflict("topup")
			}
			s.creditMetrics.RecordTopup(provider, metrics.OutcomeFailed, 0)
		case result.Duplicate:
			s.creditMetrics.RecordTopup(provider, metrics.OutcomeDuplicate, 0)
		default:
			s.creditMetrics.RecordTopup(provider, metrics.OutcomeApplied, req.Credits)
			s.metrics.RecordLedgerTransaction(ctx, string(ledgerdomain.ReasonPurchase), 1)
		}
	}()

	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		account, err := s.ledgerRepo.LockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		claimed, err := s.guard.TryClaim(ctx, tx, &ledgerdomain.IdempotencyRecord{
			Key:       key,
			Reason:    ledgerdomain.ReasonPurchase,
			AccountID: account.ID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !claimed {
			rec, err := s.guard.Lookup(ctx, tx, key)
			if err != nil {
				return err
			}
			if rec != nil && rec.AccountID != account.ID {
				return domain.ErrExternalRefConflict
			}
			result = ledgerdomain.ReplayResult(rec)
			return nil
		}

		txn := &ledgerdomain.Transaction{
			ID:             s.genID.Generate(),
			Reason:         ledgerdomain.ReasonPurchase,
			IdempotencyKey: key,
			ExternalRef:    ledgerdomain.StringPtr(ref),
			Metadata:       purchaseMetadata(provider, req),
			CreatedAt:      now,
		}
		updated, err := s.ledgerRepo.ApplyDelta(ctx, tx, account.ID, req.Credits, 0, txn)
		if err != nil {
			return err
		}
		if err := s.guard.Record(ctx, tx, key, txn.ID, updated.Balance); err != nil {
			return err
		}
		result = &ledgerdomain.OperationResult{
			AccountID:     account.ID,
			TransactionID: txn.ID,
			Balance:       updated.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With(
		zap.String("account_id", req.AccountID.String()),
		zap.String("provider", provider),
		zap.String("external_ref", ref),
	)
	if result.Duplicate {
		log.Info("duplicate topup ignored")
		return result, nil
	}
	log.Info("credits purchased", zap.Int64("credits", req.Credits), zap.Int64("balance", result.Balance))
	return result, nil
}

// IngestWebhook verifies a provider callback and applies the purchase it
// describes. Events other than completed purchases are acknowledged and
// ignored. A signature failure never touches the ledger.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return nil, domain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		Provider:       provider,
		WebhookSecret:  s.secrets[provider],
		Tolerance:      s.tolerance,
		CreditsPerUnit: s.policy.Get().CreditsPerUnit,
		Now:            s.clock.Now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			s.log.Error("payment provider not configured", zap.String("provider", provider))
		}
		return nil, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		s.creditMetrics.RecordTopup(provider, metrics.OutcomeRejected, 0)
		return nil, fmt.Errorf("%w: %w", ledgerdomain.ErrSignatureVerificationFailed, err)
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.metrics.RecordWebhookEvent(ctx, provider, "ignored")
			return &domain.WebhookResult{Provider: provider, Ignored: true}, nil
		}
		if errors.Is(err, domain.ErrMissingAccount) {
			s.log.Warn("payment webhook missing account mapping", zap.String("provider", provider))
		}
		return nil, err
	}
	s.metrics.RecordWebhookEvent(ctx, provider, event.EventType)

	accountID, err := s.resolveAccount(ctx, event)
	if err != nil {
		return nil, err
	}

	result, err := s.ApplyTopup(ctx, domain.TopupRequest{
		AccountID:   accountID,
		Credits:     event.Credits,
		ExternalRef: event.ProviderEventID,
		Provider:    provider,
		EventType:   event.EventType,
		Amount:      event.Amount,
		Currency:    event.Currency,
	})
	if err != nil {
		return nil, err
	}
	return &domain.WebhookResult{
		Provider:  provider,
		EventID:   event.ProviderEventID,
		EventType: event.EventType,
		Result:    result,
	}, nil
}

func (s *Service) resolveAccount(ctx context.Context, event *domain.PurchaseEvent) (snowflake.ID, error) {
	if event.AccountID != 0 {
		return event.AccountID, nil
	}
	account, err := s.ledgerRepo.FindAccountBySubject(ctx, s.db, event.SubjectID, ledgerdomain.AccountKindUser)
	if err != nil {
		return 0, err
	}
	return account.ID, nil
}

func (s *Service) retryPolicy() db.RetryPolicy {
	return db.RetryPolicy{
		MaxAttempts: s.policy.Get().RetryAttempts,
		Notify:      s.creditMetrics.RetryNotifier("topup", s.log),
	}
}

func purchaseMetadata(provider string, req domain.TopupRequest) datatypes.JSONMap {
	meta := datatypes.JSONMap{"provider": provider}
	if req.EventType != "" {
		meta["event_type"] = req.EventType
	}
	if req.Amount > 0 {
		meta["amount"] = req.Amount
	}
	if req.Currency != "" {
		meta["currency"] = req.Currency
	}
	return meta
}
