package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/orders/:orderId/check", normalizePath("/api/orders/0196-abc/check"))
	assert.Equal(t, "/api/admin/cards/:id/codes", normalizePath("/api/admin/cards/12/codes"))
	assert.Equal(t, "/health", normalizePath("/health"))
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Tracing(), Metrics())
	r.GET("/api/orders/:orderId/check", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/"+id+"/check", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	counter := telemetry.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/orders/:orderId/check", "200")
	var m dto.Metric
	require.NoError(t, counter.Write(&m))
	assert.Equal(t, float64(3), m.GetCounter().GetValue())
}

func TestTracing_ContinuesCallerTraceAndTagsOrder(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer, prevProp := telemetry.Tracer, otel.GetTextMapPropagator()
	telemetry.Tracer = tp.Tracer("test")
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		telemetry.Tracer = prevTracer
		otel.SetTextMapPropagator(prevProp)
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Tracing())
	r.GET("/api/orders/:orderId/check", func(c *gin.Context) {
		_ = c.Error(errors.New("feed down"))
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ord-7/check", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /api/orders/:orderId/check", span.Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", span.Parent().SpanID().String())
	assert.Contains(t, span.Attributes(), attribute.String("order.id", "ord-7"))
	assert.Equal(t, codes.Error, span.Status().Code)
	require.Len(t, span.Events(), 1)
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestTracing_PassThroughWithoutTracer(t *testing.T) {
	prev := telemetry.Tracer
	telemetry.Tracer = nil
	t.Cleanup(func() { telemetry.Tracer = prev })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Tracing())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
