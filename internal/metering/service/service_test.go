package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	allocationrepo "github.com/smallbiznis/creditledger/internal/allocation/repository"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/metering/domain"
	"github.com/smallbiznis/creditledger/internal/metering/repository"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type meteringFixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func setupMetering(t *testing.T) *meteringFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return newMeteringFixture(t, conn)
}

// setupContendedMetering opens a file database shared by several connections
// so concurrent transactions really compete for the write lock.
func setupContendedMetering(t *testing.T) *meteringFixture {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "metering.db") +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return newMeteringFixture(t, conn)
}

func newMeteringFixture(t *testing.T, conn *gorm.DB) *meteringFixture {
	t.Helper()
	require.NoError(t, migration.AutoMigrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Repo:       repository.Provide(),
		LedgerRepo: ledgerrepo.Provide(),
		Guard:      ledgerrepo.ProvideGuard(),
		AllocRepo:  allocationrepo.Provide(),
		Policy:     config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	}).(*Service)

	return &meteringFixture{svc: svc, db: conn, clock: fc, node: node}
}

func (f *meteringFixture) seedAccount(t *testing.T, subjectID string, kind ledgerdomain.AccountKind, balance int64) *ledgerdomain.Account {
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
	if balance > 0 {
		_, err = repo.ApplyDelta(ctx, f.db, account.ID, balance, 0, &ledgerdomain.Transaction{
			ID:             f.node.Generate(),
			Reason:         ledgerdomain.ReasonPurchase,
			IdempotencyKey: ledgerdomain.PurchaseKey("seed", subjectID),
			CreatedAt:      now,
		})
		require.NoError(t, err)
	}
	return account
}

func (f *meteringFixture) seedAllocation(t *testing.T, orgID snowflake.ID, memberID string, allocated int64) {
	t.Helper()
	now := f.clock.Now()
	inserted, err := allocationrepo.Provide().Insert(context.Background(), f.db, &allocationdomain.Allocation{
		ID:                    f.node.Generate(),
		OrganizationAccountID: orgID,
		MemberID:              memberID,
		Allocated:             allocated,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func (f *meteringFixture) balance(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	account, err := ledgerrepo.Provide().FindAccountByID(context.Background(), f.db, id)
	require.NoError(t, err)
	return account.Balance
}

func (f *meteringFixture) tick(sessionID string) (*domain.TickResult, error) {
	return f.svc.Tick(context.Background(), domain.TickRequest{SessionID: sessionID})
}

func TestStartRejectsEmptyAccount(t *testing.T) {
	f := setupMetering(t)
	payer := f.seedAccount(t, "user-empty", ledgerdomain.AccountKindUser, 0)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-empty"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	_, err = f.svc.Get(context.Background(), "s-empty")
	assert.ErrorIs(t, err, ledgerdomain.ErrSessionNotFound)
}

func TestStartIsIdempotentForSamePayer(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	payer := f.seedAccount(t, "user-a", ledgerdomain.AccountKindUser, 5)
	other := f.seedAccount(t, "user-b", ledgerdomain.AccountKindUser, 5)

	first, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-1", Topic: "Geometry"})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	again, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-1"})
	require.NoError(t, err)
	assert.True(t, first.StartedAt.Equal(again.StartedAt))

	_, err = f.svc.Start(ctx, domain.StartRequest{PayerAccountID: other.ID, SessionID: "s-1"})
	assert.ErrorIs(t, err, domain.ErrPayerMismatch)
}

func TestTickStopsOnEmpty(t *testing.T) {
	f := setupMetering(t)
	payer := f.seedAccount(t, "user-two", ledgerdomain.AccountKindUser, 2)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-two"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.tick("s-two")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MinutesBilled)
	assert.Equal(t, int64(1), res.Balance)

	f.clock.Advance(time.Minute)
	res, err = f.tick("s-two")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)

	f.clock.Advance(time.Minute)
	res, err = f.tick("s-two")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	require.NotNil(t, res)
	assert.Equal(t, int64(0), res.MinutesBilled)
	assert.Equal(t, domain.SessionStatusEnded, res.Status)

	f.clock.Advance(time.Minute)
	_, err = f.tick("s-two")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	session, err := f.svc.Get(context.Background(), "s-two")
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonInsufficientCredits, session.EndReason)
	assert.Equal(t, int64(2), session.LastBilledMinute)
	assert.Equal(t, int64(0), f.balance(t, payer.ID))
}

func TestTickUsesWallClockNotCallCount(t *testing.T) {
	f := setupMetering(t)
	payer := f.seedAccount(t, "user-clock", ledgerdomain.AccountKindUser, 10)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-clock"})
	require.NoError(t, err)

	hint := int64(7)
	f.clock.Advance(30 * time.Second)
	res, err := f.svc.Tick(context.Background(), domain.TickRequest{SessionID: "s-clock", MinuteHint: &hint})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(10), res.Balance)

	f.clock.Advance(3 * time.Minute)
	res, err = f.tick("s-clock")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.MinutesBilled)
	assert.Equal(t, int64(3), res.LastBilledMinute)
	assert.Equal(t, int64(7), res.Balance)

	res, err = f.tick("s-clock")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(7), res.Balance)

	var minutes []int64
	require.NoError(t, f.db.Model(&ledgerdomain.Transaction{}).
		Where("session_id = ?", "s-clock").
		Order("minute_index ASC").
		Pluck("minute_index", &minutes).Error)
	assert.Equal(t, []int64{1, 2, 3}, minutes)
}

func TestTickCatchUpStopsAtFirstShortfall(t *testing.T) {
	f := setupMetering(t)
	payer := f.seedAccount(t, "user-catchup", ledgerdomain.AccountKindUser, 2)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-catchup"})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	res, err := f.tick("s-catchup")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	require.NotNil(t, res)
	assert.Equal(t, int64(2), res.MinutesBilled)
	assert.Equal(t, int64(2), res.LastBilledMinute)
	assert.Equal(t, int64(0), res.Balance)
	assert.Equal(t, int64(0), f.balance(t, payer.ID))
}

func TestConcurrentTicksBillOnce(t *testing.T) {
	f := setupMetering(t)
	payer := f.seedAccount(t, "user-race", ledgerdomain.AccountKindUser, 10)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-race"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute + time.Second)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		billed int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.tick("s-race")
			if err != nil {
				t.Errorf("tick: %v", err)
				return
			}
			mu.Lock()
			billed += res.MinutesBilled
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), billed)
	assert.Equal(t, int64(9), f.balance(t, payer.ID))
}

func TestConcurrentTicksBillOnceAcrossConnections(t *testing.T) {
	f := setupContendedMetering(t)
	payer := f.seedAccount(t, "user-contended", ledgerdomain.AccountKindUser, 10)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-contended"})
	require.NoError(t, err)
	f.clock.Advance(3*time.Minute + time.Second)

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		billed int64
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.tick("s-contended")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			billed += res.MinutesBilled
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, int64(3), billed)
	assert.Equal(t, int64(7), f.balance(t, payer.ID))

	session, err := f.svc.Get(context.Background(), "s-contended")
	require.NoError(t, err)
	assert.Equal(t, int64(3), session.LastBilledMinute)
	assert.Equal(t, domain.SessionStatusActive, session.Status)
}

// drainingLedgerRepo lets a fixed number of debits through and then reports
// the payer as drained, as a concurrent writer would.
type drainingLedgerRepo struct {
	ledgerdomain.Repository
	debitsLeft int
}

func (r *drainingLedgerRepo) ApplyDelta(ctx context.Context, db *gorm.DB, accountID snowflake.ID, delta, floor int64, txn *ledgerdomain.Transaction) (*ledgerdomain.Account, error) {
	if delta < 0 {
		if r.debitsLeft == 0 {
			return nil, ledgerdomain.ErrInsufficientFunds
		}
		r.debitsLeft--
	}
	return r.Repository.ApplyDelta(ctx, db, accountID, delta, floor, txn)
}

func TestTickKeepsBilledMinutesWhenDebitFails(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	payer := f.seedAccount(t, "user-drained", ledgerdomain.AccountKindUser, 10)

	_, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-drained"})
	require.NoError(t, err)

	svc := New(Params{
		DB:         f.db,
		Log:        zap.NewNop(),
		GenID:      f.node,
		Clock:      f.clock,
		Repo:       repository.Provide(),
		LedgerRepo: &drainingLedgerRepo{Repository: ledgerrepo.Provide(), debitsLeft: 1},
		Guard:      ledgerrepo.ProvideGuard(),
		AllocRepo:  allocationrepo.Provide(),
		Policy:     config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	})

	f.clock.Advance(3 * time.Minute)
	res, err := svc.Tick(ctx, domain.TickRequest{SessionID: "s-drained"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.MinutesBilled)
	assert.Equal(t, int64(1), res.LastBilledMinute)
	assert.Equal(t, int64(9), res.Balance)
	assert.Equal(t, domain.SessionStatusEnded, res.Status)
	assert.Equal(t, int64(9), f.balance(t, payer.ID))

	session, err := f.svc.Get(ctx, "s-drained")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, session.Status)
	assert.Equal(t, domain.EndReasonInsufficientCredits, session.EndReason)
	assert.Equal(t, int64(1), session.LastBilledMinute)

	rec, err := ledgerrepo.ProvideGuard().Lookup(ctx, f.db, ledgerdomain.SessionMinuteKey("s-drained", 2))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEndNeverRefundsOrBillsPartialMinute(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	payer := f.seedAccount(t, "user-end", ledgerdomain.AccountKindUser, 5)

	_, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: payer.ID, SessionID: "s-end"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.tick("s-end")
	require.NoError(t, err)

	f.clock.Advance(40 * time.Second)
	ended, err := f.svc.End(ctx, "s-end")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, ended.Status)
	assert.Equal(t, domain.EndReasonClient, ended.EndReason)
	assert.Equal(t, int64(1), ended.LastBilledMinute)
	assert.Equal(t, int64(4), f.balance(t, payer.ID))

	again, err := f.svc.End(ctx, "s-end")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.LastBilledMinute)

	f.clock.Advance(time.Minute)
	_, err = f.tick("s-end")
	assert.ErrorIs(t, err, ledgerdomain.ErrSessionEnded)
	assert.Equal(t, int64(4), f.balance(t, payer.ID))

	_, err = f.svc.End(ctx, "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrSessionNotFound)
}

func TestMemberSessionSpendsAllocation(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	org := f.seedAccount(t, "org-member", ledgerdomain.AccountKindOrganization, 100)
	f.seedAllocation(t, org.ID, "member-1", 2)

	_, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: org.ID, SessionID: "s-member", MemberID: "member-1"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.tick("s-member")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MinutesBilled)
	require.NotNil(t, res.AllocationRemaining)
	assert.Equal(t, int64(0), *res.AllocationRemaining)
	assert.Equal(t, int64(98), f.balance(t, org.ID))

	f.clock.Advance(time.Minute)
	_, err = f.tick("s-member")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	assert.Equal(t, int64(98), f.balance(t, org.ID))

	allocation, err := allocationrepo.Provide().FindByMember(ctx, f.db, org.ID, "member-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), allocation.Consumed)

	_, err = f.svc.Start(ctx, domain.StartRequest{PayerAccountID: org.ID, SessionID: "s-nobody", MemberID: "member-2"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
}

func TestOrganizationSessionSkipsReservedCredits(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	org := f.seedAccount(t, "org-direct", ledgerdomain.AccountKindOrganization, 10)
	f.seedAllocation(t, org.ID, "member-1", 9)

	_, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: org.ID, SessionID: "s-direct"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.tick("s-direct")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.MinutesBilled)
	assert.Equal(t, int64(9), f.balance(t, org.ID))
}

func TestOrganizationStartNeedsUnreservedCredit(t *testing.T) {
	f := setupMetering(t)
	org := f.seedAccount(t, "org-reserved", ledgerdomain.AccountKindOrganization, 10)
	f.seedAllocation(t, org.ID, "member-1", 10)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: org.ID, SessionID: "s-reserved"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	_, err = f.svc.Start(context.Background(), domain.StartRequest{PayerAccountID: org.ID, SessionID: "s-member", MemberID: "member-1"})
	require.NoError(t, err)
}

func TestLedgerStaysConsistentAcrossSessions(t *testing.T) {
	f := setupMetering(t)
	ctx := context.Background()
	payer := f.seedAccount(t, "user-sum", ledgerdomain.AccountKindUser, 6)

	for i, session := range []string{"s-a", "s-b"} {
		_, err := f.svc.Start(ctx, domain.StartRequest{PayerAccountID: payer.ID, SessionID: session})
		require.NoError(t, err, "session %d", i)
		f.clock.Advance(2 * time.Minute)
		_, err = f.tick(session)
		require.NoError(t, err)
		_, err = f.svc.End(ctx, session)
		require.NoError(t, err)
	}

	sum, err := ledgerrepo.Provide().SumDeltas(ctx, f.db, payer.ID)
	require.NoError(t, err)
	assert.Equal(t, f.balance(t, payer.ID), sum)
	assert.Equal(t, int64(2), sum)
}
