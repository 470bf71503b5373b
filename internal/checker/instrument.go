package checker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/image-registry-checker/internal/metrics"
	"github.com/JakeFAU/image-registry-checker/internal/telemetry"
)

type instrumented struct {
	next    Checker
	backend string
	tracer  trace.Tracer
}

// Instrument wraps next so that every lookup is counted, timed and traced under backend.
func Instrument(next Checker, backend string) Checker {
	metrics.Init()
	return &instrumented{next: next, backend: backend, tracer: telemetry.Tracer()}
}

func (i *instrumented) Check(ctx context.Context, image string) (Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "image.lookup",
		trace.WithAttributes(
			attribute.String("image.reference", image),
			attribute.String("lookup.backend", i.backend),
		),
	)
	defer span.End()

	metrics.IncLookupsInFlight()
	defer metrics.DecLookupsInFlight()

	start := time.Now()
	outcome, err := i.next.Check(ctx, image)
	metrics.ObserveLookup(i.backend, outcome.String(), time.Since(start))

	span.SetAttributes(attribute.String("lookup.outcome", outcome.String()))
	if outcome == LookupFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
	}
	return outcome, err
}
