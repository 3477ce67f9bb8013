package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
)

type metrics struct {
	reconciliations metric.Int64Counter
	syncRuns        metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(component)
	m := new(metrics)
	m.reconciliations, _ = meter.Int64Counter("orders.reconcile",
		metric.WithDescription("Order reconciliations by outcome"),
		metric.WithUnit("{order}"))
	m.syncRuns, _ = meter.Int64Counter("orders.sync.runs",
		metric.WithDescription("Bulk pending-order syncs by outcome"),
		metric.WithUnit("{run}"))
	return m
}

func (m *metrics) reconciled(ctx context.Context, result string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "reconcile", result)...))
}

func (m *metrics) syncRun(ctx context.Context, result string) {
	if m == nil || m.syncRuns == nil {
		return
	}
	m.syncRuns.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "sync_pending", result)...))
}
