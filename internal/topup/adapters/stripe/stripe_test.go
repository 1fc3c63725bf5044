package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/topup/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, now time.Time) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		WebhookSecret:  "whsec_test",
		Tolerance:      5 * time.Minute,
		CreditsPerUnit: 100,
		Now:            func() time.Time { return now },
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{WebhookSecret: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	adapter := newTestAdapter(t, now)
	payload := []byte(`{"id":"evt_123","type":"checkout.session.completed","data":{"object":{}}}`)

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "valid", header: SignatureHeader("whsec_test", payload, now.Unix())},
		{name: "wrong secret", header: SignatureHeader("wrong", payload, now.Unix()), wantErr: true},
		{name: "stale timestamp", header: SignatureHeader("whsec_test", payload, now.Add(-10*time.Minute).Unix()), wantErr: true},
		{name: "future timestamp", header: SignatureHeader("whsec_test", payload, now.Add(10*time.Minute).Unix()), wantErr: true},
		{name: "missing v1", header: fmt.Sprintf("t=%d", now.Unix()), wantErr: true},
		{name: "empty", header: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.header != "" {
				headers.Set("Stripe-Signature", tt.header)
			}
			err := adapter.Verify(context.Background(), payload, headers)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseCheckoutSession(t *testing.T) {
	adapter := newTestAdapter(t, time.Now())

	tests := []struct {
		name        string
		metadata    map[string]any
		wantCredits int64
		wantSubject string
		wantAccount int64
		wantErr     error
	}{
		{name: "explicit credits", metadata: map[string]any{"user_id": "user-1", "credits": "250"}, wantCredits: 250, wantSubject: "user-1"},
		{name: "quantity", metadata: map[string]any{"userId": "user-2", "quantity": "3"}, wantCredits: 300, wantSubject: "user-2"},
		{name: "account id", metadata: map[string]any{"account_id": "1234", "credits": 40.0}, wantCredits: 40, wantAccount: 1234},
		{name: "no account", metadata: map[string]any{"credits": "10"}, wantErr: domain.ErrMissingAccount},
		{name: "no credits", metadata: map[string]any{"user_id": "user-3"}, wantErr: domain.ErrInvalidEvent},
		{name: "negative credits", metadata: map[string]any{"user_id": "user-3", "credits": "-5"}, wantErr: domain.ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := CheckoutCompletedPayload(t, "evt_"+tt.name, tt.metadata)
			event, err := adapter.Parse(context.Background(), payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "stripe", event.Provider)
			assert.Equal(t, domain.EventTypeCheckoutCompleted, event.EventType)
			assert.Equal(t, tt.wantCredits, event.Credits)
			assert.Equal(t, tt.wantSubject, event.SubjectID)
			assert.Equal(t, tt.wantAccount, int64(event.AccountID))
			assert.Equal(t, "USD", event.Currency)
			assert.Equal(t, "pi_1", event.PaymentRef)
		})
	}
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	adapter := newTestAdapter(t, time.Now())

	_, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"checkout.session.completed"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func CheckoutCompletedPayload(t *testing.T, eventID string, metadata map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    domain.EventTypeCheckoutCompleted,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_1",
				"amount_total":   1000,
				"currency":       "usd",
				"payment_intent": "pi_1",
				"payment_status": "paid",
				"metadata":       metadata,
			},
		},
	})
	require.NoError(t, err)
	return payload
}
