package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce      sync.Once
	cacheReads       metric.Int64Counter
	cacheCompletions metric.Int64Counter
	cacheInvalidated metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/clinicsync/clinicsync/internal/cache")

		var err error
		cacheReads, err = meter.Int64Counter(
			"cache.reads",
			metric.WithDescription("Cache reads by resulting entry status"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheCompletions, err = meter.Int64Counter(
			"cache.fetch.completions",
			metric.WithDescription("Fetch completions by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheInvalidated, err = meter.Int64Counter(
			"cache.invalidations",
			metric.WithDescription("Entries marked stale by invalidation"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Cache operations carry no context; measurements use the background context.

func recordRead(status Status) {
	if cacheReads == nil {
		return
	}
	cacheReads.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("cache.status", status.String())),
	)
}

func recordCompletion(outcome string) {
	if cacheCompletions == nil {
		return
	}
	cacheCompletions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("cache.outcome", outcome)),
	)
}

func recordInvalidation(count int) {
	if cacheInvalidated == nil || count == 0 {
		return
	}
	cacheInvalidated.Add(context.Background(), int64(count))
}
