package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const shutdownTimeout = 5 * time.Second

// Tracer is used by the HTTP middleware and the order engine. It is never nil
// after InitTracer.
var Tracer trace.Tracer

// TracerConfig selects where spans are exported
type TracerConfig struct {
	ServiceName string
	Version     string
	Endpoint    string // OTLP gRPC collector; empty disables export
	Environment string
}

func (c TracerConfig) resource() *resource.Resource {
	version, env := c.Version, c.Environment
	if version == "" {
		version = "dev"
	}
	if env == "" {
		env = "development"
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("deployment.environment", env),
	)
}

// InitTracer installs the global tracer provider and W3C propagators. Without
// an endpoint spans are not exported and the returned cleanup is a no-op.
// The collector connection is lazy, so an unreachable collector only costs
// dropped batches.
func InitTracer(cfg TracerConfig) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		log.Printf("OTLP endpoint not set, traces are not exported")
		Tracer = otel.Tracer(cfg.ServiceName)
		return func() {}, nil
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otlp client for %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(cfg.resource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer(cfg.ServiceName)

	log.Printf("Exporting traces to %s", cfg.Endpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error flushing traces: %v", err)
		}
		conn.Close()
	}, nil
}
