package dhan

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
)

const meterName = "adapter.dhan"

type feedMetrics struct {
	environment string

	reconnects      metric.Int64Counter
	controlMessages metric.Int64Counter
	frames          metric.Int64Counter
	frameBytes      metric.Int64Histogram
	pings           metric.Int64Counter
	subscriptions   metric.Int64UpDownCounter
	stateChanges    metric.Int64Counter
}

func newFeedMetrics() *feedMetrics {
	meter := otel.Meter(meterName)
	fm := &feedMetrics{environment: telemetry.Environment()}

	fm.reconnects, _ = meter.Int64Counter("feed.reconnects",
		metric.WithDescription("Feed reconnect attempts by result"),
		metric.WithUnit("{reconnect}"))
	fm.controlMessages, _ = meter.Int64Counter("feed.control.messages",
		metric.WithDescription("Control frames written to the feed"),
		metric.WithUnit("{message}"))
	fm.frames, _ = meter.Int64Counter("feed.frames",
		metric.WithDescription("Binary frames received by decode outcome"),
		metric.WithUnit("{frame}"))
	fm.frameBytes, _ = meter.Int64Histogram("feed.frame.bytes",
		metric.WithDescription("Size of binary feed frames"),
		metric.WithUnit("By"))
	fm.pings, _ = meter.Int64Counter("feed.pings",
		metric.WithDescription("Ping frames sent on the feed connection"),
		metric.WithUnit("{ping}"))
	fm.subscriptions, _ = meter.Int64UpDownCounter("feed.subscriptions.active",
		metric.WithDescription("Instruments subscribed on the feed"),
		metric.WithUnit("{instrument}"))
	fm.stateChanges, _ = meter.Int64Counter("feed.state.changes",
		metric.WithDescription("Feed connector state transitions"),
		metric.WithUnit("{transition}"))
	return fm
}

func (fm *feedMetrics) baseAttrs() []attribute.KeyValue {
	return telemetry.FeedAttributes(fm.environment, Name)
}

func (fm *feedMetrics) recordReconnect(ctx context.Context, result string) {
	if fm == nil || fm.reconnects == nil {
		return
	}
	attrs := append(fm.baseAttrs(), telemetry.AttrResult.String(result))
	fm.reconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (fm *feedMetrics) recordControl(ctx context.Context, requestCode, count int) {
	if fm == nil || fm.controlMessages == nil || count == 0 {
		return
	}
	attrs := append(fm.baseAttrs(), telemetry.AttrCommandType.String(strconv.Itoa(requestCode)))
	fm.controlMessages.Add(ensureContext(ctx), int64(count), metric.WithAttributes(attrs...))
}

func (fm *feedMetrics) recordFrame(ctx context.Context, eventType string, outcome Outcome, size int) {
	if fm == nil || fm.frames == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.FrameAttributes(fm.environment, Name, eventType, outcome.String())
	fm.frames.Add(ctx, 1, metric.WithAttributes(attrs...))
	if fm.frameBytes != nil && size > 0 {
		fm.frameBytes.Record(ctx, int64(size), metric.WithAttributes(fm.baseAttrs()...))
	}
}

func (fm *feedMetrics) recordPing(ctx context.Context, result string) {
	if fm == nil || fm.pings == nil {
		return
	}
	attrs := append(fm.baseAttrs(), telemetry.AttrResult.String(result))
	fm.pings.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (fm *feedMetrics) adjustSubscriptions(ctx context.Context, delta int) {
	if fm == nil || fm.subscriptions == nil || delta == 0 {
		return
	}
	fm.subscriptions.Add(ensureContext(ctx), int64(delta), metric.WithAttributes(fm.baseAttrs()...))
}

func (fm *feedMetrics) recordState(ctx context.Context, state string) {
	if fm == nil || fm.stateChanges == nil {
		return
	}
	attrs := append(fm.baseAttrs(), telemetry.AttrConnectionState.String(strings.ToLower(state)))
	fm.stateChanges.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

type restMetrics struct {
	environment string

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newRESTMetrics() *restMetrics {
	meter := otel.Meter(meterName)
	rm := &restMetrics{environment: telemetry.Environment()}
	rm.requests, _ = meter.Int64Counter("broker.rest.requests",
		metric.WithDescription("Broker REST calls by endpoint and result"),
		metric.WithUnit("{request}"))
	rm.duration, _ = meter.Float64Histogram("broker.rest.duration",
		metric.WithDescription("Broker REST call latency"),
		metric.WithUnit("ms"))
	return rm
}

func (rm *restMetrics) record(ctx context.Context, endpoint, result string, elapsed time.Duration) {
	if rm == nil || rm.requests == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(rm.environment),
		telemetry.AttrBroker.String(Name),
		telemetry.AttrEndpoint.String(endpoint),
		telemetry.AttrResult.String(result),
	}
	rm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if rm.duration != nil {
		rm.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
