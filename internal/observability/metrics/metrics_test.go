package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("reason", "session-minute"),
		attribute.String("account_id", "42"),
		attribute.String("session_id", "abc"),
		attribute.String("provider", "stripe"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" || attr.Key == "session_id" {
			t.Fatalf("unexpected label %q retained", attr.Key)
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "stripe", "checkout.session.completed")
	m.RecordLedgerTransaction(ctx, "purchase", 1)
	m.RecordRateLimitAllowed(ctx, "/v1/sessions/:id/tick")
	m.RecordRateLimitDenied(ctx, "/v1/sessions/:id/tick", "burst")

	var nilMetrics *Metrics
	nilMetrics.RecordLedgerTransaction(ctx, "purchase", 1)
}
