package tracing

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("webhook_secret", "whsec"),
		attribute.String("stripe_signature", "t=1,v1=abc"),
		attribute.Int64("account_id", 7),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "webhook_secret" || attr.Key == "stripe_signature" {
			t.Fatalf("sensitive attribute %q leaked", attr.Key)
		}
	}
}

func TestSafeErrorHidesMessage(t *testing.T) {
	err := SafeError(errors.New("secret=abc"))
	if err == nil || err.Error() != "*errors.errorString" {
		t.Fatalf("expected type-only error, got %v", err)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
