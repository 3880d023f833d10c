package reachability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Check performs one connectivity check; nil means reachable.
type Check func(ctx context.Context) error

// HTTPCheck returns a Check issuing GET url. Any response below 500 counts as
// reachable: an authentication failure still proves the network path works.
func HTTPCheck(client *http.Client, url string) Check {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building health request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}

// PeriodicProbe checks connectivity immediately and then every interval,
// recording each outcome on the monitor. Panics are recovered in the probe
// function. The loop exits when the context is cancelled.
func PeriodicProbe(ctx context.Context, m *Monitor, check Check, interval time.Duration) {
	for {
		probe(ctx, m, check)

		select {
		case <-time.After(interval):
			// continue
		case <-ctx.Done():
			log.Info().Msg("reachability probe shutting down gracefully")
			return
		}
	}
}

// probe performs a single connectivity check with tracing.
func probe(ctx context.Context, m *Monitor, check Check) {
	tracer := otel.Tracer("github.com/clinicsync/clinicsync/internal/reachability")
	ctx, span := tracer.Start(ctx, "reachability_probe")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during reachability probe: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "probe panicked")
			log.Warn().Interface("panic", r).Msg("reachability probe panicked, recovered")
		}
	}()

	err := check(ctx)
	online := err == nil
	span.SetAttributes(attribute.Bool("reachability.online", online))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "api unreachable")
		log.Debug().Err(err).Msg("reachability probe failed")
	} else {
		span.SetStatus(codes.Ok, "api reachable")
	}

	m.SetOnline(online)
}
