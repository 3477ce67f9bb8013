package brokerclient

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
)

type metrics struct {
	lookups    metric.Int64Counter
	placements metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("brokerclient")
	m := new(metrics)
	m.lookups, _ = meter.Int64Counter("brokerclient.cache.lookups",
		metric.WithDescription("Read path decisions by cache and result"),
		metric.WithUnit("{lookup}"))
	m.placements, _ = meter.Int64Counter("brokerclient.order.placements",
		metric.WithDescription("Order placements by outcome"),
		metric.WithUnit("{order}"))
	return m
}

func (m *metrics) lookup(ctx context.Context, cache, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.CacheAttributes(telemetry.Environment(), cache, result)...))
}

func (m *metrics) placement(ctx context.Context, result string) {
	if m == nil || m.placements == nil {
		return
	}
	m.placements.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "place_order", result)...))
}
