// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jmylchreest/chunkrelay/internal/config"
)

// DefaultSampleRate is used when the configured rate is out of range.
const DefaultSampleRate = 0.1

// ShutdownFunc flushes and stops the trace provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init configures the global trace provider. Tracing stays disabled, with a
// no-op shutdown, when no OTLP endpoint is configured or the exporter cannot
// be created.
func Init(ctx context.Context, cfg config.TelemetryConfig, serviceName, serviceVersion string, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return noop, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(trimScheme(endpoint)),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if !strings.HasPrefix(endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(initCtx, opts...)
	if err != nil {
		logger.Warn("tracing disabled, exporter unavailable",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	rate := SampleRate(cfg.SampleRate)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		slog.String("endpoint", endpoint),
		slog.Float64("sample_rate", rate),
	)
	return tp.Shutdown, nil
}

// SampleRate clamps a configured rate into [0,1], falling back to
// DefaultSampleRate for out of range values.
func SampleRate(rate float64) float64 {
	if rate < 0 || rate > 1 {
		return DefaultSampleRate
	}
	return rate
}

func trimScheme(endpoint string) string {
	return strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
}
