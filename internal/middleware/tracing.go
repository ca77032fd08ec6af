package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request, continuing any trace the caller
// propagated. Requests for a specific order carry its id as order.id.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		tracer := telemetry.Tracer
		if tracer == nil {
			c.Next()
			return
		}

		req := c.Request
		route := routeLabel(c)
		parent := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", req.Method),
			attribute.String("http.route", route),
			attribute.String("url.path", req.URL.Path),
			attribute.String("user_agent.original", req.UserAgent()),
		}
		if id := c.Param("orderId"); id != "" {
			attrs = append(attrs, attribute.String("order.id", id))
		}

		ctx, span := tracer.Start(parent, req.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.Request = req.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
