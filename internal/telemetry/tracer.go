// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/app-ship/events-handler/internal/config"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracer initializes OpenTelemetry tracing for the configured exporter.
// "none" leaves the global no-op provider in place. Spans exported to stdout
// go to w, or os.Stdout when w is nil.
func InitTracer(cfg config.TelemetryConfig, version string, w io.Writer, logger *slog.Logger) (Shutdown, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		logger.Debug("tracing disabled")
		return noopShutdown, nil
	case "stdout":
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	// Create resource with service name
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("exporter", cfg.Exporter))

	return tp.Shutdown, nil
}
