package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/migration"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerFixture struct {
	sched    *Scheduler
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	registry *prometheus.Registry
}

func setupScheduler(t *testing.T) *schedulerFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.AutoMigrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()

	sched, err := New(Params{
		DB:            conn,
		Log:           zap.NewNop(),
		Clock:         fc,
		LedgerRepo:    ledgerrepo.Provide(),
		Config:        Config{BatchSize: 2},
		CreditMetrics: obsmetrics.NewCreditMetricsForRegistry(registry, obsmetrics.Config{ServiceName: "creditledger", Environment: "test"}),
	})
	require.NoError(t, err)

	return &schedulerFixture{sched: sched, db: conn, clock: fc, node: node, registry: registry}
}

func (f *schedulerFixture) seedAccount(t *testing.T, subjectID string, kind ledgerdomain.AccountKind, credits int64) *ledgerdomain.Account {
	t.Helper()
	ctx := context.Background()
	repo := ledgerrepo.Provide()
	now := f.clock.Now()

	account := &ledgerdomain.Account{
		ID:        f.node.Generate(),
		SubjectID: subjectID,
		Kind:      kind,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := repo.CreateAccount(ctx, f.db, account)
	require.NoError(t, err)
	if credits > 0 {
		_, err = repo.ApplyDelta(ctx, f.db, account.ID, credits, 0, &ledgerdomain.Transaction{
			ID:             f.node.Generate(),
			Reason:         ledgerdomain.ReasonPurchase,
			IdempotencyKey: ledgerdomain.PurchaseKey("seed", subjectID),
			CreatedAt:      now,
		})
		require.NoError(t, err)
	}
	return account
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReconcileLedgerCleanBooks(t *testing.T) {
	f := setupScheduler(t)
	for i := 0; i < 5; i++ {
		f.seedAccount(t, fmt.Sprintf("user-%d", i), ledgerdomain.AccountKindUser, int64(10*(i+1)))
	}

	report, err := f.sched.ReconcileLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Accounts)
	assert.Empty(t, report.Discrepancies)
}

func TestReconcileLedgerReportsDrift(t *testing.T) {
	f := setupScheduler(t)
	ok := f.seedAccount(t, "user-ok", ledgerdomain.AccountKindUser, 10)
	drifted := f.seedAccount(t, "user-drifted", ledgerdomain.AccountKindUser, 10)
	org := f.seedAccount(t, "org-1", ledgerdomain.AccountKindOrganization, 50)

	require.NoError(t, f.db.Model(&ledgerdomain.Account{}).
		Where("id = ?", drifted.ID).
		Update("balance", 15).Error)
	require.NoError(t, f.db.Create(&allocationdomain.Allocation{
		ID:                    f.node.Generate(),
		OrganizationAccountID: org.ID,
		MemberID:              "m1",
		Allocated:             80,
		Active:                true,
		CreatedAt:             f.clock.Now(),
		UpdatedAt:             f.clock.Now(),
	}).Error)

	report, err := f.sched.ReconcileLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Accounts)

	kinds := map[string]snowflake.ID{}
	for _, d := range report.Discrepancies {
		assert.NotEqual(t, ok.ID, d.AccountID)
		kinds[d.Kind] = d.AccountID
	}
	assert.Equal(t, drifted.ID, kinds[DiscrepancyTotalsMismatch])
	assert.Equal(t, drifted.ID, kinds[DiscrepancyLogMismatch])
	assert.Equal(t, org.ID, kinds[DiscrepancyOverEncumbered])
	assert.Len(t, report.Discrepancies, 3)

	series, err := testutil.GatherAndCount(f.registry, "creditledger_reconcile_discrepancies_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := setupScheduler(t)

	err := f.sched.runJob(context.Background(), "slow_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)

	err = f.sched.runJob(context.Background(), "broken_job", time.Second, func(context.Context) error {
		return errors.New("boom")
	})
	assert.EqualError(t, err, "broken_job: boom")
}

func TestRunOnceRunsReconciliation(t *testing.T) {
	f := setupScheduler(t)
	f.seedAccount(t, "user-1", ledgerdomain.AccountKindUser, 10)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	count, err := testutil.GatherAndCount(f.registry, "creditledger_scheduler_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
