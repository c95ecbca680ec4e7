package lowertransport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName mirrors the dotted-path convention the teacher's tracing RPC
// surface (rpc/common/tracing.proto) uses for its span source.
const tracerName = "github.com/btmesh/lowertransport"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan opens a span for one dispatcher-driven operation, tagged with
// whatever attributes the caller passes; it adds none of its own.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}
