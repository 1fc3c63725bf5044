package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/smallbiznis/creditledger"

// Start opens an internal span for a ledger operation.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(SafeAttributes(attrs...)...),
	)
}

// End closes span, marking it failed unless err is one of the expected
// business outcomes.
func End(span trace.Span, err error, expected ...error) {
	if span == nil {
		return
	}
	if err != nil {
		isExpected := false
		for _, e := range expected {
			if errors.Is(err, e) {
				isExpected = true
				break
			}
		}
		span.SetAttributes(attribute.String("outcome", err.Error()))
		if !isExpected {
			span.RecordError(SafeError(err))
			span.SetStatus(codes.Error, "operation failed")
		}
	}
	span.End()
}
