package shared

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/victorrobotxt/Dali/services"

// StartStage opens a span for one pipeline stage. Without an installed provider the span is a no-op.
func StartStage(ctx context.Context, stage string, listingID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "audit."+stage,
		trace.WithAttributes(
			attribute.String("audit.stage", stage),
			attribute.Int64("audit.listing_id", listingID),
		),
	)
}

// EndStage records err on the span and ends it
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
