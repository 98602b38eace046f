package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RealtimeEvents provides spans for the realtime layer's operations
type RealtimeEvents struct {
	tracer trace.Tracer
}

// NewRealtimeEvents creates a tracer bound to the current global provider
func NewRealtimeEvents() *RealtimeEvents {
	return &RealtimeEvents{
		tracer: otel.Tracer("realtime-events"),
	}
}

// TracePublish creates a span for publishing one domain event
func (re *RealtimeEvents) TracePublish(ctx context.Context, channel, eventType, entityID string) (context.Context, trace.Span) {
	return re.tracer.Start(ctx, "realtime.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", channel),
			attribute.String("realtime.event_type", eventType),
			attribute.String("realtime.entity_id", entityID),
		),
	)
}

// TraceUnreadMutation creates a span for an unread counter change
func (re *RealtimeEvents) TraceUnreadMutation(ctx context.Context, userID, op string, delta int64) (context.Context, trace.Span) {
	return re.tracer.Start(ctx, "realtime.unread."+op,
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("unread.delta", delta),
		),
	)
}

// RecordError marks the span as failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
