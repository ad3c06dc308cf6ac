package adapter

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmipc-core/pkg/chunk"
)

const instrumentationName = "github.com/srediag/shmipc-core"

// Instrumentation returns the meter and tracer segments should use, taken
// from the global OpenTelemetry providers.
func Instrumentation() (metric.Meter, trace.Tracer) {
	return otel.GetMeterProvider().Meter(instrumentationName), otel.GetTracerProvider().Tracer(instrumentationName)
}

// RegisterPoolGauges reports free chunks per chunk size through meter.
func RegisterPoolGauges(meter metric.Meter, chunks *chunk.Manager) (metric.Registration, error) {
	free, err := meter.Int64ObservableGauge("shmipc.pool.free_chunks",
		metric.WithDescription("Free chunks per chunk size"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for size, n := range chunks.Stats() {
			o.ObserveInt64(free, int64(n), metric.WithAttributes(attribute.Int64("chunk_size", int64(size))))
		}
		return nil
	}, free)
}
