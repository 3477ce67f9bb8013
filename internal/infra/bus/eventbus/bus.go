// Package eventbus fans decoded market events out to in-process listeners.
package eventbus

import (
	"context"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	// BufferSize bounds each subscriber's queue. When full, the oldest
	// queued event is dropped to make room for the new one.
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
