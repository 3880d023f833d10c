// Package observe configures OpenTelemetry tracing and metrics and provides
// HTTP instrumentation for the inspector server and outgoing API calls.
package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type ShutdownFunc func(context.Context) error

// Configure installs the global tracer and meter providers. When telemetry is
// disabled the globals are left as no-ops and the returned shutdown does
// nothing.
func Configure(ctx context.Context, cfg config.ObserveConfig) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if err := configureErrorHandler(cfg.SDKLogLevel); err != nil {
		return noop, err
	}

	if !cfg.Enabled {
		log.Info().Msg("telemetry: disabled")
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExporter, err := newTraceExporter(ctx, cfg.Type)
	if err != nil {
		return noop, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdowns := []ShutdownFunc{tracerProvider.Shutdown}

	if cfg.MetricsEnabled {
		metricExporter, err := newMetricExporter(ctx, cfg.Type)
		if err != nil {
			_ = tracerProvider.Shutdown(ctx)
			return noop, err
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second),
			)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(meterProvider)
		shutdowns = append(shutdowns, meterProvider.Shutdown)
	}

	log.Info().
		Str("type", cfg.Type).
		Str("service", cfg.ServiceName).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry: configured")

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func newTraceExporter(ctx context.Context, exporterType string) (sdktrace.SpanExporter, error) {
	switch exporterType {
	case "grpc":
		return otlptracegrpc.New(ctx)
	case "stdout":
		return stdouttrace.New()
	default:
		return nil, fmt.Errorf("unsupported telemetry type %q: expected grpc or stdout", exporterType)
	}
}

func newMetricExporter(ctx context.Context, exporterType string) (sdkmetric.Exporter, error) {
	switch exporterType {
	case "grpc":
		return otlpmetricgrpc.New(ctx)
	case "stdout":
		return stdoutmetric.New()
	default:
		return nil, fmt.Errorf("unsupported telemetry type %q: expected grpc or stdout", exporterType)
	}
}

// configureErrorHandler routes SDK errors to the global logger at the
// configured level.
func configureErrorHandler(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("telemetry log level: %w", err)
	}

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.WithLevel(lvl).Err(err).Msg("telemetry: SDK error")
	}))
	return nil
}

// HTTPTransport instruments outgoing requests. With telemetry or transport
// instrumentation disabled, base is returned unchanged.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return base
	}

	var options []otelhttp.Option
	if cfg.HTTPConnectionTraceEnabled {
		options = append(options, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}))
	}

	return otelhttp.NewTransport(base, options...)
}
