package middleware

import (
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const traceIDHeader = "X-Trace-ID"

// TracingMiddleware opens a server span per relay request, continuing any
// trace the caller propagated, and echoes the trace ID back to the caller.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(ctx, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", clientIP(c.Request)))
		if peer := c.Param("peer"); peer != "" {
			span.SetAttributes(tracing.PeerIDKey.String(peer))
		}
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.MessageKey.String(id))
		}
		if traceID := tracing.TraceID(ctx); traceID != "" {
			c.Header(traceIDHeader, traceID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if id, ok := UserID(c); ok {
			span.SetAttributes(tracing.UserIDKey.String(string(id)))
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
