package api

import (
	"context"
	"net/http"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const wsConnectSpanName = "websocket.connect"

// startWebSocketSpan opens a server span for a long lived stream, joining
// any trace the client propagated in its headers.
func startWebSocketSpan(r *http.Request, route string) (context.Context, trace.Span) {
	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return otelapi.Tracer("edgerelay/ws").Start(ctx, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.scheme", wsRequestScheme(r)),
			attribute.String("user_agent", r.UserAgent()),
		),
	)
}

func wsRequestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
