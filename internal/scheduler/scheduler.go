package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	jobOutcomeSuccess = "success"
	jobOutcomeError   = "error"
	jobOutcomeTimeout = "timeout"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	LedgerRepo    ledgerdomain.Repository
	Config        Config                    `optional:"true"`
	CreditMetrics *obsmetrics.CreditMetrics `optional:"true"`
}

// Scheduler runs periodic read-only maintenance jobs over the ledger.
type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	ledgerRepo    ledgerdomain.Repository
	creditMetrics *obsmetrics.CreditMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.LedgerRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		ledgerRepo:    p.LedgerRepo,
		creditMetrics: p.CreditMetrics,
	}, nil
}

// runJob bounds fn by timeout. A deadline is a soft failure: the job resumes
// on the next run.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)
	log := s.log.With(zap.String("job", name), zap.Duration("elapsed", elapsed))

	switch {
	case err == nil:
		s.creditMetrics.RecordJobRun(name, jobOutcomeSuccess, elapsed)
		log.Debug("job finished")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		s.creditMetrics.RecordJobRun(name, jobOutcomeTimeout, elapsed)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	default:
		s.creditMetrics.RecordJobRun(name, jobOutcomeError, elapsed)
		return fmt.Errorf("%s: %w", name, err)
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{jobReconcileLedger, s.ReconcileLedgerJob},
	}

	var err error
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
