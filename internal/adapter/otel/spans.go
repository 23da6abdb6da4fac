package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crowdgate"

// StartPublishSpan starts a span covering the full publish saga of an
// experiment across its populations.
func StartPublishSpan(ctx context.Context, experimentID string, populations int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "experiment.publish",
		trace.WithAttributes(
			attribute.String("experiment.id", experimentID),
			attribute.Int("experiment.populations", populations),
		),
	)
}

// StartPlatformSpan starts a span for one platform operation (publish,
// unpublish, update, pay).
func StartPlatformSpan(ctx context.Context, op, platform, experimentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "platform."+op,
		trace.WithAttributes(
			attribute.String("platform.name", platform),
			attribute.String("experiment.id", experimentID),
		),
	)
}

// StartFinalizeSpan starts a span for post-cooldown experiment finalization.
func StartFinalizeSpan(ctx context.Context, experimentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "experiment.finalize",
		trace.WithAttributes(
			attribute.String("experiment.id", experimentID),
		),
	)
}
