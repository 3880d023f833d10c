package mutation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	mutationExecutions metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/clinicsync/clinicsync/internal/mutation")

		var err error
		mutationExecutions, err = meter.Int64Counter(
			"mutation.executions",
			metric.WithDescription("Mutations executed by kind and outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordExecution(ctx context.Context, kind Kind, outcome string) {
	if mutationExecutions == nil {
		return
	}
	mutationExecutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mutation.kind", string(kind)),
			attribute.String("mutation.outcome", outcome),
		),
	)
}
