// Package telemetry provides metric export and semantic conventions for the gateway.
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys follow OpenTelemetry naming: namespace.attribute_name.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrBroker      = attribute.Key("broker")
	// AttrEventType labels decoded feed events (TICKER, QUOTE, ...).
	AttrEventType = attribute.Key("event.type")
	AttrSegment   = attribute.Key("exchange.segment")
	// AttrFrameOutcome records whether a frame decoded, was short or had an unknown type.
	AttrFrameOutcome    = attribute.Key("frame.outcome")
	AttrCategory        = attribute.Key("scheduler.category")
	AttrPriority        = attribute.Key("scheduler.priority")
	AttrEndpoint        = attribute.Key("endpoint")
	AttrOperation       = attribute.Key("operation")
	AttrResult          = attribute.Key("result")
	AttrReason          = attribute.Key("reason")
	AttrCommandType     = attribute.Key("command.type")
	AttrConnectionState = attribute.Key("connection.state")
	AttrOrderStatus     = attribute.Key("order.status")
	AttrCacheName       = attribute.Key("cache.name")
)

// FeedAttributes returns attributes for feed connection metrics.
func FeedAttributes(environment, broker string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBroker.String(broker),
	}
}

// FrameAttributes labels decoded frame metrics.
func FrameAttributes(environment, broker, eventType, outcome string) []attribute.KeyValue {
	attrs := FeedAttributes(environment, broker)
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return append(attrs, AttrFrameOutcome.String(outcome))
}

// SchedulerAttributes labels per-category scheduler metrics.
func SchedulerAttributes(environment, category string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCategory.String(category),
	}
}

// CacheAttributes labels response cache metrics.
func CacheAttributes(environment, cache, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCacheName.String(cache),
		AttrResult.String(result),
	}
}

// OperationResultAttributes labels operation metrics with a result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
