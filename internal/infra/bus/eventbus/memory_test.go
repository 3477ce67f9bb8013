package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

var testKey = schema.NewKey(schema.SegmentNSEEquity, 2885)

func tickerEvent(ltp float64) schema.Event {
	return schema.Event{
		Type:    schema.EventTypeTicker,
		Key:     testKey,
		Payload: schema.TickerPayload{LTP: ltp},
	}
}

func receive(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()

	if err := bus.Publish(context.Background(), tickerEvent(1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	err := bus.Publish(context.Background(), schema.Event{})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
	if _, _, err := bus.Subscribe(context.Background(), ""); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid subscribe error, got %v", err)
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2}, nil)
	defer bus.Close()

	ctx := context.Background()
	_, first, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, second, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, other, err := bus.Subscribe(ctx, schema.EventTypeQuote)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, tickerEvent(2900.5)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan schema.Event{first, second} {
		evt := receive(t, ch)
		if evt.Key != testKey {
			t.Fatalf("unexpected key %s", evt.Key)
		}
	}
	select {
	case evt := <-other:
		t.Fatalf("quote subscriber received %v", evt.Type)
	default:
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2}, nil)
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := bus.Publish(ctx, tickerEvent(float64(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := []float64{
		receive(t, ch).Payload.(schema.TickerPayload).LTP,
		receive(t, ch).Payload.(schema.TickerPayload).LTP,
	}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected newest events [4 5], got %v", got)
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), schema.EventTypeFeedState)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if err := bus.Publish(context.Background(), schema.Event{Type: schema.EventTypeFeedState}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestMemoryBusContextCancellationUnsubscribes(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not removed after context cancel")
		}
	}
}

func TestMemoryBusCloseRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	_, ch, err := bus.Subscribe(context.Background(), schema.EventTypeTicker)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed by Close")
	}
	if err := bus.Publish(context.Background(), tickerEvent(1)); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestMemoryBusConcurrentPublishers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1024, FanoutWorkers: 4}, nil)
	defer bus.Close()

	ctx := context.Background()
	var channels []<-chan schema.Event
	for i := 0; i < 3; i++ {
		_, ch, err := bus.Subscribe(ctx, schema.EventTypeTicker)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		channels = append(channels, ch)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := bus.Publish(ctx, tickerEvent(float64(i))); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, ch := range channels {
		if got := len(ch); got != 200 {
			t.Fatalf("expected 200 buffered events, got %d", got)
		}
	}
}
