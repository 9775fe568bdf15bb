// Package lookuptrace marks DHT closest-node lookups with a dedicated span
// kind so they stand out from ordinary routed-message spans in a trace
// backend, without requiring every hop to carry propagated context (the
// dispatcher is in-process and single-threaded; there is no RPC boundary
// to carry a propagator across).
package lookuptrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "overlayplane/lookuptrace"

var tracer = otel.Tracer(tracerName)

type lookupMarker struct{}

// WithLookup marks ctx as belonging to a closest-node lookup, so that
// nested spans started against it (see StartHop) are tagged accordingly.
func WithLookup(ctx context.Context) context.Context {
	return context.WithValue(ctx, lookupMarker{}, true)
}

// IsLookup reports whether ctx was marked by WithLookup.
func IsLookup(ctx context.Context) bool {
	v, _ := ctx.Value(lookupMarker{}).(bool)
	return v
}

// StartClosestLookup opens a span around one Router.PathTo(Closest) call
// and marks the returned context for nested hop spans.
func StartClosestLookup(ctx context.Context, keyHash uint32) (context.Context, trace.Span) {
	ctx = WithLookup(ctx)
	return tracer.Start(ctx, "router.path_to.closest",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("overlay.key.hash", int64(keyHash))),
	)
}

// StartHop opens a span for one forwarded frame; if ctx was marked by
// StartClosestLookup, the span is flagged as part of that lookup.
func StartHop(ctx context.Context, service string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("overlay.service", service)}
	if IsLookup(ctx) {
		attrs = append(attrs, attribute.Bool("overlay.lookup", true))
	}
	return tracer.Start(ctx, "plane.hop", trace.WithAttributes(attrs...))
}
