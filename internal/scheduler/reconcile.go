package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobReconcileLedger = "reconcile_ledger"

const (
	DiscrepancyNegativeBalance = "negative_balance"
	DiscrepancyTotalsMismatch  = "totals_mismatch"
	DiscrepancyLogMismatch     = "log_mismatch"
	DiscrepancyOverEncumbered  = "over_encumbered"
)

// Discrepancy is one ledger invariant an account violates.
type Discrepancy struct {
	AccountID snowflake.ID
	Kind      string
	Expected  int64
	Actual    int64
}

type ReconcileReport struct {
	Accounts      int
	Discrepancies []Discrepancy
}

func (s *Scheduler) ReconcileLedgerJob(ctx context.Context) error {
	report, err := s.ReconcileLedger(ctx)
	if err != nil {
		return err
	}
	if len(report.Discrepancies) > 0 {
		s.log.Error("ledger reconciliation found discrepancies",
			zap.Int("accounts", report.Accounts),
			zap.Int("discrepancies", len(report.Discrepancies)),
		)
	}
	return nil
}

// ReconcileLedger checks every account against the transaction log. Each
// account is read under its row lock so in-flight mutations are never
// reported as drift.
func (s *Scheduler) ReconcileLedger(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		accounts, err := s.ledgerRepo.ListAccounts(ctx, s.db, after, s.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(accounts) == 0 {
			return report, nil
		}

		for _, account := range accounts {
			found, err := s.reconcileAccount(ctx, account.ID)
			if err != nil {
				return report, err
			}
			report.Accounts++
			for _, d := range found {
				s.creditMetrics.RecordDiscrepancy(d.Kind)
				s.log.Warn("ledger discrepancy",
					zap.Int64("account_id", int64(d.AccountID)),
					zap.String("kind", d.Kind),
					zap.Int64("expected", d.Expected),
					zap.Int64("actual", d.Actual),
				)
			}
			report.Discrepancies = append(report.Discrepancies, found...)
		}
		after = accounts[len(accounts)-1].ID
	}
}

func (s *Scheduler) reconcileAccount(ctx context.Context, accountID snowflake.ID) ([]Discrepancy, error) {
	var found []Discrepancy
	err := db.RetryTx(ctx, s.db, db.RetryPolicy{Notify: s.creditMetrics.RetryNotifier("scheduler", s.log)}, func(tx *gorm.DB) error {
		found = nil
		account, err := s.ledgerRepo.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if account.Balance < 0 {
			found = append(found, Discrepancy{AccountID: account.ID, Kind: DiscrepancyNegativeBalance, Expected: 0, Actual: account.Balance})
		}
		if totals := account.TotalAcquired - account.TotalConsumed; totals != account.Balance {
			found = append(found, Discrepancy{AccountID: account.ID, Kind: DiscrepancyTotalsMismatch, Expected: totals, Actual: account.Balance})
		}

		logged, err := s.ledgerRepo.SumDeltas(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		if logged != account.Balance {
			found = append(found, Discrepancy{AccountID: account.ID, Kind: DiscrepancyLogMismatch, Expected: logged, Actual: account.Balance})
		}

		if account.Kind == ledgerdomain.AccountKindOrganization {
			encumbered, err := s.ledgerRepo.SumEncumbered(ctx, tx, account.ID, "")
			if err != nil {
				return err
			}
			if encumbered > account.Balance {
				found = append(found, Discrepancy{AccountID: account.ID, Kind: DiscrepancyOverEncumbered, Expected: account.Balance, Actual: encumbered})
			}
		}
		return nil
	})
	return found, err
}
