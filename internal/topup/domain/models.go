package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

const (
	EventTypeCheckoutCompleted = "checkout.session.completed"
)

// PurchaseEvent is the canonical credit purchase parsed by adapters.
// AccountID is set when the provider carried the ledger account id;
// otherwise SubjectID names the purchasing user.
type PurchaseEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	AccountID       snowflake.ID
	SubjectID       string
	Credits         int64
	Amount          int64
	Currency        string
	PaymentRef      string
	OccurredAt      time.Time
}

type TopupRequest struct {
	AccountID   snowflake.ID
	Credits     int64
	ExternalRef string

	Provider  string
	EventType string
	Amount    int64
	Currency  string
}

type WebhookResult struct {
	Provider  string                        `json:"provider"`
	EventID   string                        `json:"event_id,omitempty"`
	EventType string                        `json:"event_type,omitempty"`
	Ignored   bool                          `json:"ignored"`
	Result    *ledgerdomain.OperationResult `json:"result,omitempty"`
}

type AdapterConfig struct {
	Provider       string
	WebhookSecret  string
	Tolerance      time.Duration
	CreditsPerUnit int64
	Now            func() time.Time
}
