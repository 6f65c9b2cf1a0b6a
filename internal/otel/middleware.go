package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// InjectHeaders injects trace context into outgoing HTTP headers. Used at
// the WebSocket dial handshake (internal/wsstream.Dial) to carry a trace
// across the one real HTTP boundary this module crosses (§10.5).
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractContext extracts trace context from incoming HTTP headers. Used at
// the WebSocket upgrade handshake (internal/wsstream.Upgrade).
func ExtractContext(ctx context.Context, headers http.Header, tracer *Tracer) context.Context {
	if tracer == nil || !tracer.Enabled() {
		return ctx
	}
	return tracer.Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}
