package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/topup/adapters"
	"github.com/smallbiznis/creditledger/internal/topup/adapters/stripe"
	"github.com/smallbiznis/creditledger/internal/topup/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test"

type topupFixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func setupTopup(t *testing.T) *topupFixture {
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

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Cfg: config.Config{Payment: config.PaymentConfig{
			StripeWebhookSecret: testWebhookSecret,
			SignatureTolerance:  5 * time.Minute,
		}},
		LedgerRepo: ledgerrepo.Provide(),
		Guard:      ledgerrepo.ProvideGuard(),
		Adapters:   adapters.NewRegistry(stripe.NewFactory()),
		Policy:     config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	}).(*Service)

	return &topupFixture{svc: svc, db: conn, clock: fc, node: node}
}

func (f *topupFixture) seedUser(t *testing.T, subjectID string) *ledgerdomain.Account {
	t.Helper()
	now := f.clock.Now()
	account := &ledgerdomain.Account{
		ID:        f.node.Generate(),
		SubjectID: subjectID,
		Kind:      ledgerdomain.AccountKindUser,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := ledgerrepo.Provide().CreateAccount(context.Background(), f.db, account)
	require.NoError(t, err)
	return account
}

func (f *topupFixture) account(t *testing.T, id snowflake.ID) *ledgerdomain.Account {
	t.Helper()
	account, err := ledgerrepo.Provide().FindAccountByID(context.Background(), f.db, id)
	require.NoError(t, err)
	return account
}

func (f *topupFixture) countPurchases(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.Transaction{}).
		Where("account_id = ? AND reason = ?", id, ledgerdomain.ReasonPurchase).
		Count(&count).Error)
	return count
}

func (f *topupFixture) signedRequest(t *testing.T, eventID, eventType string, metadata map[string]any) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": f.clock.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_" + eventID,
				"amount_total":   1500,
				"currency":       "usd",
				"payment_intent": "pi_" + eventID,
				"payment_status": "paid",
				"metadata":       metadata,
			},
		},
	})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("Stripe-Signature", stripe.SignatureHeader(testWebhookSecret, payload, f.clock.Now().Unix()))
	return payload, headers
}

func TestApplyTopupIsIdempotent(t *testing.T) {
	f := setupTopup(t)
	ctx := context.Background()
	user := f.seedUser(t, "user-1")

	first, err := f.svc.ApplyTopup(ctx, domain.TopupRequest{
		AccountID:   user.ID,
		Credits:     150,
		ExternalRef: "pi_123",
		Provider:    "stripe",
		Amount:      1500,
		Currency:    "USD",
	})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(150), first.Balance)

	replay, err := f.svc.ApplyTopup(ctx, domain.TopupRequest{AccountID: user.ID, Credits: 150, ExternalRef: "pi_123", Provider: "Stripe"})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, int64(150), replay.Balance)
	assert.Equal(t, first.TransactionID, replay.TransactionID)

	account := f.account(t, user.ID)
	assert.Equal(t, int64(150), account.Balance)
	assert.Equal(t, int64(150), account.TotalAcquired)
	assert.Equal(t, int64(1), f.countPurchases(t, user.ID))

	var txn ledgerdomain.Transaction
	require.NoError(t, f.db.Where("account_id = ?", user.ID).First(&txn).Error)
	require.NotNil(t, txn.ExternalRef)
	assert.Equal(t, "pi_123", *txn.ExternalRef)
	assert.Equal(t, "stripe", txn.Metadata["provider"])
	assert.Equal(t, "USD", txn.Metadata["currency"])
}

func TestApplyTopupScopesReferenceByProvider(t *testing.T) {
	f := setupTopup(t)
	ctx := context.Background()
	buyer := f.seedUser(t, "user-buyer")
	other := f.seedUser(t, "user-other")

	paid, err := f.svc.ApplyTopup(ctx, domain.TopupRequest{AccountID: buyer.ID, Credits: 100, ExternalRef: "evt_shared", Provider: "stripe"})
	require.NoError(t, err)
	assert.False(t, paid.Duplicate)

	manual, err := f.svc.ApplyTopup(ctx, domain.TopupRequest{AccountID: other.ID, Credits: 20, ExternalRef: "evt_shared"})
	require.NoError(t, err)
	assert.False(t, manual.Duplicate)
	assert.Equal(t, other.ID, manual.AccountID)
	assert.Equal(t, int64(20), manual.Balance)

	_, err = f.svc.ApplyTopup(ctx, domain.TopupRequest{AccountID: other.ID, Credits: 100, ExternalRef: "evt_shared", Provider: "stripe"})
	assert.ErrorIs(t, err, domain.ErrExternalRefConflict)

	assert.Equal(t, int64(100), f.account(t, buyer.ID).Balance)
	assert.Equal(t, int64(20), f.account(t, other.ID).Balance)
	assert.Equal(t, int64(1), f.countPurchases(t, other.ID))

	rec, err := ledgerrepo.ProvideGuard().Lookup(ctx, f.db, ledgerdomain.PurchaseKey("stripe", "evt_shared"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, buyer.ID, rec.AccountID)
}

func TestApplyTopupValidation(t *testing.T) {
	f := setupTopup(t)
	ctx := context.Background()
	user := f.seedUser(t, "user-1")

	tests := []struct {
		name    string
		req     domain.TopupRequest
		wantErr error
	}{
		{name: "zero credits", req: domain.TopupRequest{AccountID: user.ID, ExternalRef: "a"}, wantErr: ledgerdomain.ErrInvalidCredits},
		{name: "negative credits", req: domain.TopupRequest{AccountID: user.ID, Credits: -5, ExternalRef: "b"}, wantErr: ledgerdomain.ErrInvalidCredits},
		{name: "missing ref", req: domain.TopupRequest{AccountID: user.ID, Credits: 5}, wantErr: ledgerdomain.ErrInvalidIdempotencyKey},
		{name: "unknown account", req: domain.TopupRequest{AccountID: f.node.Generate(), Credits: 5, ExternalRef: "c"}, wantErr: ledgerdomain.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ApplyTopup(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, int64(0), f.account(t, user.ID).Balance)
	assert.Equal(t, int64(0), f.countPurchases(t, user.ID))
}

func TestIngestWebhookCreditsOnce(t *testing.T) {
	f := setupTopup(t)
	ctx := context.Background()
	user := f.seedUser(t, "user-1")

	payload, headers := f.signedRequest(t, "evt_1", domain.EventTypeCheckoutCompleted, map[string]any{"user_id": "user-1", "quantity": "2"})

	first, err := f.svc.IngestWebhook(ctx, "Stripe", payload, headers)
	require.NoError(t, err)
	assert.False(t, first.Ignored)
	assert.Equal(t, "evt_1", first.EventID)
	require.NotNil(t, first.Result)
	assert.Equal(t, int64(200), first.Result.Balance)

	again, err := f.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.True(t, again.Result.Duplicate)
	assert.Equal(t, int64(200), again.Result.Balance)

	assert.Equal(t, int64(200), f.account(t, user.ID).Balance)
	assert.Equal(t, int64(1), f.countPurchases(t, user.ID))
}

func TestIngestWebhookConcurrentRedeliveries(t *testing.T) {
	f := setupTopup(t)
	user := f.seedUser(t, "user-1")
	payload, headers := f.signedRequest(t, "evt_race", domain.EventTypeCheckoutCompleted, map[string]any{"account_id": user.ID.String(), "credits": "75"})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.IngestWebhook(context.Background(), "stripe", payload, headers); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(75), f.account(t, user.ID).Balance)
	assert.Equal(t, int64(1), f.countPurchases(t, user.ID))
}

func TestIngestWebhookRejectsBadSignature(t *testing.T) {
	f := setupTopup(t)
	user := f.seedUser(t, "user-1")
	payload, _ := f.signedRequest(t, "evt_forged", domain.EventTypeCheckoutCompleted, map[string]any{"user_id": "user-1", "credits": "500"})

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripe.SignatureHeader("whsec_other", payload, f.clock.Now().Unix()))

	_, err := f.svc.IngestWebhook(context.Background(), "stripe", payload, headers)
	assert.ErrorIs(t, err, ledgerdomain.ErrSignatureVerificationFailed)
	assert.Equal(t, int64(0), f.account(t, user.ID).Balance)

	var claims int64
	require.NoError(t, f.db.Model(&ledgerdomain.IdempotencyRecord{}).Count(&claims).Error)
	assert.Zero(t, claims)
}

func TestIngestWebhookEdgeCases(t *testing.T) {
	f := setupTopup(t)
	ctx := context.Background()
	f.seedUser(t, "user-1")

	payload, headers := f.signedRequest(t, "evt_refund", "charge.refunded", map[string]any{"user_id": "user-1"})
	res, err := f.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	_, err = f.svc.IngestWebhook(ctx, "paypal", payload, headers)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = f.svc.IngestWebhook(ctx, "stripe", []byte("{"), headers)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	payload, headers = f.signedRequest(t, "evt_ghost", domain.EventTypeCheckoutCompleted, map[string]any{"user_id": "ghost", "credits": "10"})
	_, err = f.svc.IngestWebhook(ctx, "stripe", payload, headers)
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}
