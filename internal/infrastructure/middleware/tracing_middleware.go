package middleware

import (
	"net/http"
	"time"

	"stagewire/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware opens a server span per request. For /ws the span covers
// the whole relay connection, since the handler returns when the socket
// closes.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracing.StartSpan(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.client_ip", c.ClientIP()),
			),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			tracing.DurationKey.Int64(time.Since(start).Milliseconds()),
		)
		if id, ok := ParticipantID(c); ok {
			span.SetAttributes(tracing.ParticipantIDKey.String(id))
		}

		switch {
		case status == http.StatusSwitchingProtocols:
			span.SetStatus(codes.Ok, "")
		case status >= http.StatusBadRequest:
			span.SetStatus(codes.Error, http.StatusText(status))
		default:
			span.SetStatus(codes.Ok, "")
		}
	}
}
