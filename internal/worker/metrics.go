package worker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-transcribe/worker"

type metrics struct {
	jobs       metric.Int64Counter
	loads      metric.Int64Counter
	chunks     metric.Int64Counter
	throughput metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.jobs, err = meter.Int64Counter("loqa.transcribe.jobs", metric.WithDescription("Transcription jobs by outcome")); err != nil {
		log.Warn("failed to create jobs counter", slogError(err))
	}
	if m.loads, err = meter.Int64Counter("loqa.transcribe.model_loads", metric.WithDescription("Model session loads by outcome")); err != nil {
		log.Warn("failed to create model loads counter", slogError(err))
	}
	if m.chunks, err = meter.Int64Counter("loqa.transcribe.chunks", metric.WithDescription("Audio chunks decoded")); err != nil {
		log.Warn("failed to create chunks counter", slogError(err))
	}
	if m.throughput, err = meter.Float64Histogram("loqa.transcribe.tokens_per_second",
		metric.WithDescription("Decoder throughput observed at the end of each job"),
		metric.WithUnit("{token}/s")); err != nil {
		log.Warn("failed to create throughput histogram", slogError(err))
	}
	return m
}

func (m *metrics) job(ctx context.Context, outcome string) {
	if m.jobs != nil {
		m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) load(ctx context.Context, outcome string) {
	if m.loads != nil {
		m.loads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) chunk(ctx context.Context) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
}

func (m *metrics) tps(ctx context.Context, value *float64) {
	if m.throughput != nil && value != nil {
		m.throughput.Record(ctx, *value)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
