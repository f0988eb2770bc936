package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "synchub"

// StartEventSpan starts a span for one event passing through stage
// ("publish", "ingest", "dispatch").
func StartEventSpan(ctx context.Context, stage, eventID, entity, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "event."+stage,
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.entity", entity),
			attribute.String("event.kind", kind),
		),
	)
}

// StartBatchSpan starts a span for one batch flush.
func StartBatchSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "batch.flush",
		trace.WithAttributes(attribute.Int("batch.size", size)),
	)
}

// StartDeliverySpan starts a span for external delivery through notifier.
func StartDeliverySpan(ctx context.Context, notifier, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delivery",
		trace.WithAttributes(
			attribute.String("delivery.notifier", notifier),
			attribute.String("notification.kind", kind),
		),
	)
}
