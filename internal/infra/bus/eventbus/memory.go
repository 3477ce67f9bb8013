package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	droppedCounter         metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Event
	// sendMu serialises the drop-oldest sequence per subscriber.
	sendMu sync.Mutex
	closed bool
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig, logger observability.Logger) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = observability.Or(logger)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Oldest events discarded because a subscriber buffer was full"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to all subscribers of its type. It never blocks
// on a slow subscriber: a full buffer loses its oldest event instead.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	n := len(subscribers)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType)))
	}
	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		if b.deliveryErrorCounter != nil {
			b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("error", "dispatch_failed"),
				attribute.String("event_type", eventType)))
		}
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType)))
	}
	return nil
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
// The channel closes when ctx ends, on Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			b.subscriberRemoved(typ)
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	removed := false
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	if removed {
		b.subscriberRemoved(typ)
	}
	sub.close()
}

func (b *MemoryBus) subscriberRemoved(typ schema.EventType) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", string(typ))))
	}
}

// deliver enqueues evt for sub, evicting the oldest queued event when the
// buffer is full.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case <-sub.ch:
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("event_type", string(evt.Type))))
		}
		b.logger.Debug("eventbus subscriber buffer full, dropped oldest event",
			observability.F("event_type", evt.Type),
			observability.F("instrument", evt.Key.String()))
	default:
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

// dispatch delivers evt to every subscriber, inline for a single subscriber
// and through a bounded worker pool otherwise.
func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt schema.Event) error {
	if len(subs) == 1 {
		return b.deliver(ctx, subs[0], evt)
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() error {
			return b.deliver(ctx, sub, evt)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("eventbus/dispatch: %w", err)
	}
	return nil
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	})
}
