package domain

import (
	"context"
	"net/http"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

type Service interface {
	// ApplyTopup credits the account once per ExternalRef.
	ApplyTopup(ctx context.Context, req TopupRequest) (*ledgerdomain.OperationResult, error)
	// IngestWebhook verifies and applies a signed provider event.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*WebhookResult, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PurchaseEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
