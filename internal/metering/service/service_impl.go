package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/metering/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxSessionIDLength  = 255
	billMinuteSavepoint = "bill_minute"
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
	AllocRepo     allocationdomain.Repository
	Policy        *config.MeteringConfigHolder `optional:"true"`
	TickLock      domain.TickLock              `optional:"true"`
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
	allocRepo     allocationdomain.Repository
	policy        *config.MeteringConfigHolder
	tickLock      domain.TickLock
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
		log:           p.Log.Named("credit.metering"),
		genID:         p.GenID,
		clock:         c,
		repo:          p.Repo,
		ledgerRepo:    p.LedgerRepo,
		guard:         p.Guard,
		allocRepo:     p.AllocRepo,
		policy:        p.Policy,
		tickLock:      p.TickLock,
		metrics:       p.Metrics,
		creditMetrics: p.CreditMetrics,
	}
}

// Start opens a session once the payer can cover at least one minute. No
// state is written when it cannot. Starting an active session again with the
// same payer returns it unchanged.
func (s *Service) Start(ctx context.Context, req domain.StartRequest) (session *domain.Session, err error) {
	sessionID, err := normalizeSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.PayerAccountID == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	memberID := strings.TrimSpace(req.MemberID)
	topic := strings.TrimSpace(req.Topic)

	log := logger.WithSession(logger.WithContext(ctx, s.log), sessionID, int64(req.PayerAccountID))
	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "metering.Start", attribute.Bool("member_session", memberID != ""))
	defer func() {
		tracing.End(span, err, ledgerdomain.ErrInsufficientCredits)
		s.creditMetrics.ObserveOperation("session_start", time.Since(start))
		s.recordConflict(err)
	}()

	var created bool
	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		created = false
		existing, err := s.repo.Find(ctx, tx, sessionID)
		switch {
		case err == nil:
			session, err = resumeSession(existing, req.PayerAccountID)
			return err
		case !errors.Is(err, ledgerdomain.ErrSessionNotFound):
			return err
		}

		payer, err := s.ledgerRepo.FindAccountByID(ctx, tx, req.PayerAccountID)
		if err != nil {
			return err
		}
		if !payer.Active {
			return ledgerdomain.ErrAccountInactive
		}
		ok, err := s.canCoverMinute(ctx, tx, payer, memberID)
		if err != nil {
			return err
		}
		if !ok {
			return ledgerdomain.ErrInsufficientCredits
		}

		now := s.clock.Now()
		candidate := &domain.Session{
			SessionID:      sessionID,
			PayerAccountID: payer.ID,
			MemberID:       ledgerdomain.StringPtr(memberID),
			Topic:          ledgerdomain.StringPtr(topic),
			Status:         domain.SessionStatusActive,
			StartedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := s.repo.Insert(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.Find(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			session, err = resumeSession(existing, req.PayerAccountID)
			return err
		}
		session = candidate
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			s.creditMetrics.RecordSessionEvent(metrics.SessionEventRejected)
			log.Info("session start rejected", zap.Error(err))
		}
		return nil, err
	}

	if created {
		s.creditMetrics.RecordSessionEvent(metrics.SessionEventStarted)
		log.Info("session started", zap.String("topic", topic), zap.String("member_id", memberID))
	}
	return session, nil
}

// Tick bills every completed minute since the last billed one. The minute
// index comes from the clock, never from the caller. When the payer runs dry
// the minutes billed so far are kept, the session ends and the result is
// returned together with ErrInsufficientCredits.
func (s *Service) Tick(ctx context.Context, req domain.TickRequest) (result *domain.TickResult, err error) {
	sessionID, err := normalizeSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("session_id", sessionID))
	if req.MinuteHint != nil {
		log = log.With(zap.Int64("minute_hint", *req.MinuteHint))
	}

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "metering.Tick")
	var payerKind string
	defer func() {
		tracing.End(span, err, ledgerdomain.ErrInsufficientCredits, ledgerdomain.ErrSessionEnded)
		s.creditMetrics.ObserveOperation("session_tick", time.Since(start))
		s.recordTick(ctx, result, err, payerKind)
	}()

	if s.tickLock != nil {
		release, acquired, lockErr := s.tickLock.Acquire(ctx, sessionID)
		switch {
		case lockErr != nil:
			log.Warn("tick lock unavailable", zap.Error(lockErr))
		case !acquired:
			log.Debug("tick already in flight")
			return s.inFlightResult(ctx, sessionID)
		default:
			defer release()
		}
	}

	var outcome error
	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		outcome = nil
		session, err := s.repo.Lock(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !session.Active() {
			if session.EndReason == domain.EndReasonInsufficientCredits {
				result = endedResult(session)
				return ledgerdomain.ErrInsufficientCredits
			}
			return ledgerdomain.ErrSessionEnded
		}

		payer, err := s.ledgerRepo.LockAccount(ctx, tx, session.PayerAccountID)
		if err != nil {
			return err
		}
		payerKind = payerLabel(payer, session)

		now := s.clock.Now()
		target := s.minuteIndex(session.StartedAt, now)
		if target <= session.LastBilledMinute {
			result, err = s.replayResult(ctx, tx, session, payer)
			return err
		}

		var allocation *allocationdomain.Allocation
		if session.MemberID != nil {
			allocation, err = s.allocRepo.LockByMember(ctx, tx, payer.ID, *session.MemberID)
			if err != nil && !errors.Is(err, allocationdomain.ErrAllocationNotFound) {
				return err
			}
		}
		floor, affordable, err := s.budget(ctx, tx, payer, session, allocation)
		if err != nil {
			return err
		}

		result = &domain.TickResult{
			SessionID:        session.SessionID,
			PayerAccountID:   session.PayerAccountID,
			Status:           domain.SessionStatusActive,
			LastBilledMinute: session.LastBilledMinute,
			Balance:          payer.Balance,
		}
		for minute := session.LastBilledMinute + 1; minute <= target; minute++ {
			if affordable < 1 {
				outcome = ledgerdomain.ErrInsufficientCredits
				break
			}
			balance, billed, err := s.billMinute(ctx, tx, session, payer.ID, allocation, minute, floor, now)
			if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
				outcome = ledgerdomain.ErrInsufficientCredits
				break
			}
			if err != nil {
				return err
			}
			if billed {
				result.MinutesBilled++
				result.Balance = balance
				affordable--
			}
			result.LastBilledMinute = minute
		}

		if allocation != nil {
			remaining := allocation.Remaining()
			result.AllocationRemaining = &remaining
		}
		if outcome != nil {
			result.Status = domain.SessionStatusEnded
			return s.repo.MarkEnded(ctx, tx, session.SessionID, domain.EndReasonInsufficientCredits, result.LastBilledMinute, now)
		}
		return s.repo.UpdateProgress(ctx, tx, session.SessionID, result.LastBilledMinute, now)
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			return result, err
		}
		return nil, err
	}

	if outcome != nil {
		log.Info("session ended for insufficient credits",
			zap.Int64("minutes_billed", result.MinutesBilled),
			zap.Int64("last_billed_minute", result.LastBilledMinute),
		)
		return result, outcome
	}
	if result.MinutesBilled > 0 {
		log.Debug("session minutes billed",
			zap.Int64("minutes_billed", result.MinutesBilled),
			zap.Int64("balance", result.Balance),
		)
	}
	return result, nil
}

// End closes the session. It never bills the minute in progress nor refunds
// one already billed, and ending twice is a no-op.
func (s *Service) End(ctx context.Context, sessionID string) (session *domain.Session, err error) {
	sessionID, err = normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	ctx, span := tracing.Start(ctx, "metering.End")
	defer func() {
		tracing.End(span, err, ledgerdomain.ErrSessionNotFound)
		s.creditMetrics.ObserveOperation("session_end", time.Since(start))
		s.recordConflict(err)
	}()

	var ended bool
	err = db.RetryTx(ctx, s.db, s.retryPolicy(), func(tx *gorm.DB) error {
		ended = false
		current, err := s.repo.Lock(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if current.Active() {
			now := s.clock.Now()
			if err := s.repo.MarkEnded(ctx, tx, sessionID, domain.EndReasonClient, current.LastBilledMinute, now); err != nil {
				return err
			}
			current.Status = domain.SessionStatusEnded
			current.EndReason = domain.EndReasonClient
			current.EndedAt = &now
			current.UpdatedAt = now
			ended = true
		}
		session = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ended {
		s.creditMetrics.RecordSessionEvent(metrics.SessionEventEnded)
		logger.WithSession(logger.WithContext(ctx, s.log), sessionID, int64(session.PayerAccountID)).
			Info("session ended", zap.Int64("last_billed_minute", session.LastBilledMinute))
	}
	return session, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	return s.repo.Find(ctx, s.db, sessionID)
}

// billMinute debits one credit for minute. It reports billed=false when the
// minute key was already claimed. A debit the payer cannot cover is undone to
// the minute's savepoint and reported as ErrInsufficientFunds.
func (s *Service) billMinute(ctx context.Context, tx *gorm.DB, session *domain.Session, payerID snowflake.ID, allocation *allocationdomain.Allocation, minute, floor int64, now time.Time) (int64, bool, error) {
	if err := tx.SavePoint(billMinuteSavepoint).Error; err != nil {
		return 0, false, err
	}
	balance, billed, err := s.debitMinute(ctx, tx, session, payerID, allocation, minute, floor, now)
	if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		if rbErr := tx.RollbackTo(billMinuteSavepoint).Error; rbErr != nil {
			return 0, false, rbErr
		}
	}
	return balance, billed, err
}

func (s *Service) debitMinute(ctx context.Context, tx *gorm.DB, session *domain.Session, payerID snowflake.ID, allocation *allocationdomain.Allocation, minute, floor int64, now time.Time) (int64, bool, error) {
	key := ledgerdomain.SessionMinuteKey(session.SessionID, minute)
	claimed, err := s.guard.TryClaim(ctx, tx, &ledgerdomain.IdempotencyRecord{
		Key:       key,
		Reason:    ledgerdomain.ReasonSessionMinute,
		AccountID: payerID,
		CreatedAt: now,
	})
	if err != nil {
		return 0, false, err
	}
	if !claimed {
		return 0, false, nil
	}

	var consumed *allocationdomain.Allocation
	if allocation != nil {
		consumed, err = s.allocRepo.Consume(ctx, tx, allocation.ID, 1, now)
		if err != nil {
			return 0, false, err
		}
	}

	minuteIndex := minute
	txn := &ledgerdomain.Transaction{
		ID:             s.genID.Generate(),
		Reason:         ledgerdomain.ReasonSessionMinute,
		IdempotencyKey: key,
		SessionID:      ledgerdomain.StringPtr(session.SessionID),
		Topic:          session.Topic,
		MemberID:       session.MemberID,
		MinuteIndex:    &minuteIndex,
		CreatedAt:      now,
	}
	updated, err := s.ledgerRepo.ApplyDelta(ctx, tx, payerID, -1, floor, txn)
	if err != nil {
		return 0, false, err
	}
	if err := s.guard.Record(ctx, tx, key, txn.ID, updated.Balance); err != nil {
		return 0, false, err
	}
	if consumed != nil {
		*allocation = *consumed
	}
	return updated.Balance, true, nil
}

// budget returns the balance floor for debits and how many minutes the payer
// can still cover. Member sessions spend their allocation. Organization-direct
// sessions may not touch credits reserved for members.
func (s *Service) budget(ctx context.Context, tx *gorm.DB, payer *ledgerdomain.Account, session *domain.Session, allocation *allocationdomain.Allocation) (int64, int64, error) {
	if session.MemberID != nil {
		if allocation == nil {
			return 0, 0, nil
		}
		return 0, min(allocation.Remaining(), payer.Balance), nil
	}
	available, floor, err := ledgerdomain.Spendable(ctx, tx, s.ledgerRepo, payer)
	if err != nil {
		return 0, 0, err
	}
	return floor, available, nil
}

// canCoverMinute mirrors budget for a session that does not exist yet.
func (s *Service) canCoverMinute(ctx context.Context, tx *gorm.DB, payer *ledgerdomain.Account, memberID string) (bool, error) {
	if memberID == "" {
		return ledgerdomain.HasAtLeast(ctx, tx, s.ledgerRepo, payer, 1)
	}
	if payer.Kind != ledgerdomain.AccountKindOrganization {
		return false, ledgerdomain.ErrInvalidAccountKind
	}
	allocation, err := s.allocRepo.FindByMember(ctx, tx, payer.ID, memberID)
	if err != nil {
		if errors.Is(err, allocationdomain.ErrAllocationNotFound) {
			return false, nil
		}
		return false, err
	}
	return min(allocation.Remaining(), payer.Balance) >= 1, nil
}

func (s *Service) replayResult(ctx context.Context, tx *gorm.DB, session *domain.Session, payer *ledgerdomain.Account) (*domain.TickResult, error) {
	result := &domain.TickResult{
		SessionID:        session.SessionID,
		PayerAccountID:   session.PayerAccountID,
		Status:           session.Status,
		LastBilledMinute: session.LastBilledMinute,
		Balance:          payer.Balance,
		Duplicate:        true,
	}
	if session.LastBilledMinute > 0 {
		rec, err := s.guard.Lookup(ctx, tx, ledgerdomain.SessionMinuteKey(session.SessionID, session.LastBilledMinute))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			result.Balance = rec.ResultBalance
		}
	}
	if session.MemberID != nil {
		allocation, err := s.allocRepo.FindByMember(ctx, tx, payer.ID, *session.MemberID)
		if err == nil {
			remaining := allocation.Remaining()
			result.AllocationRemaining = &remaining
		}
	}
	return result, nil
}

// inFlightResult answers a tick that lost the session lock to a concurrent
// tick. The winner does the billing.
func (s *Service) inFlightResult(ctx context.Context, sessionID string) (*domain.TickResult, error) {
	session, err := s.repo.Find(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		if session.EndReason == domain.EndReasonInsufficientCredits {
			return endedResult(session), ledgerdomain.ErrInsufficientCredits
		}
		return nil, ledgerdomain.ErrSessionEnded
	}
	payer, err := s.ledgerRepo.FindAccountByID(ctx, s.db, session.PayerAccountID)
	if err != nil {
		return nil, err
	}
	return &domain.TickResult{
		SessionID:        session.SessionID,
		PayerAccountID:   session.PayerAccountID,
		Status:           session.Status,
		LastBilledMinute: session.LastBilledMinute,
		Balance:          payer.Balance,
		Duplicate:        true,
	}, nil
}

func (s *Service) minuteIndex(startedAt, now time.Time) int64 {
	length := s.policy.Get().MinuteLength
	if length <= 0 {
		length = time.Minute
	}
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / length)
}

func (s *Service) retryPolicy() db.RetryPolicy {
	return db.RetryPolicy{
		MaxAttempts: s.policy.Get().RetryAttempts,
		Notify:      s.creditMetrics.RetryNotifier("metering", s.log),
	}
}

func (s *Service) recordConflict(err error) {
	if errors.Is(err, db.ErrConflict) {
		s.creditMetrics.RecordConflict("metering")
	}
}

func (s *Service) recordTick(ctx context.Context, result *domain.TickResult, err error, payerKind string) {
	s.recordConflict(err)
	var billed int64
	if result != nil {
		billed = result.MinutesBilled
	}
	s.metrics.RecordLedgerTransaction(ctx, string(ledgerdomain.ReasonSessionMinute), billed)

	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		s.creditMetrics.RecordTick(metrics.TickOutcomeInsufficient, billed, payerKind)
		if result != nil && result.Status == domain.SessionStatusEnded && !result.Duplicate {
			s.creditMetrics.RecordSessionEvent(metrics.SessionEventEnded)
		}
	case errors.Is(err, ledgerdomain.ErrSessionEnded):
		s.creditMetrics.RecordTick(metrics.TickOutcomeEnded, 0, payerKind)
	case err != nil:
		s.creditMetrics.RecordTick(metrics.TickOutcomeError, 0, payerKind)
	case result != nil && result.Duplicate:
		s.creditMetrics.RecordTick(metrics.TickOutcomeDuplicate, 0, payerKind)
	default:
		s.creditMetrics.RecordTick(metrics.TickOutcomeBilled, billed, payerKind)
	}
}

func resumeSession(existing *domain.Session, payerID snowflake.ID) (*domain.Session, error) {
	if existing.PayerAccountID != payerID {
		return nil, domain.ErrPayerMismatch
	}
	if !existing.Active() {
		return nil, ledgerdomain.ErrSessionEnded
	}
	return existing, nil
}

func endedResult(session *domain.Session) *domain.TickResult {
	return &domain.TickResult{
		SessionID:        session.SessionID,
		PayerAccountID:   session.PayerAccountID,
		Status:           session.Status,
		LastBilledMinute: session.LastBilledMinute,
		Duplicate:        true,
	}
}

func payerLabel(payer *ledgerdomain.Account, session *domain.Session) string {
	if session.MemberID != nil {
		return "member"
	}
	return string(payer.Kind)
}

func normalizeSessionID(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		return "", domain.ErrInvalidSessionID
	}
	return sessionID, nil
}
