package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
)

type metrics struct {
	depth      metric.Int64UpDownCounter
	wait       metric.Float64Histogram
	dispatches metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(component)
	m := new(metrics)
	m.depth, _ = meter.Int64UpDownCounter("scheduler.queue.depth",
		metric.WithDescription("Requests waiting per category"),
		metric.WithUnit("{request}"))
	m.wait, _ = meter.Float64Histogram("scheduler.wait.duration",
		metric.WithDescription("Time between enqueue and dispatch"),
		metric.WithUnit("ms"))
	m.dispatches, _ = meter.Int64Counter("scheduler.dispatches",
		metric.WithDescription("Requests leaving the queue by result"),
		metric.WithUnit("{request}"))
	return m
}

func (m *metrics) queued(ctx context.Context, cat Category, prio Priority, delta int64) {
	if m == nil || m.depth == nil {
		return
	}
	attrs := append(telemetry.SchedulerAttributes(telemetry.Environment(), string(cat)),
		telemetry.AttrPriority.String(prio.String()))
	m.depth.Add(context.WithoutCancel(ctx), delta, metric.WithAttributes(attrs...))
}

func (m *metrics) waited(ctx context.Context, cat Category, d time.Duration) {
	if m == nil || m.wait == nil {
		return
	}
	m.wait.Record(context.WithoutCancel(ctx), float64(d.Milliseconds()),
		metric.WithAttributes(telemetry.SchedulerAttributes(telemetry.Environment(), string(cat))...))
}

func (m *metrics) dispatched(ctx context.Context, cat Category, result string) {
	if m == nil || m.dispatches == nil {
		return
	}
	attrs := append(telemetry.SchedulerAttributes(telemetry.Environment(), string(cat)),
		telemetry.AttrResult.String(result))
	m.dispatches.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}
