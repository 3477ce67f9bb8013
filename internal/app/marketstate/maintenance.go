package marketstate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

// DefaultSweepInterval is the maintenance cadence for response caches.
const DefaultSweepInterval = 30 * time.Second

// Sweeper is a cache that can evict aged entries.
type Sweeper interface {
	Name() string
	Sweep() int
}

// RunMaintenance sweeps every cache each interval until ctx ends.
func RunMaintenance(ctx context.Context, interval time.Duration, logger observability.Logger, sweepers ...Sweeper) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger = observability.Or(logger)
	evictions, _ := otel.Meter("marketstate").Int64Counter("cache.evictions",
		metric.WithDescription("Response cache entries removed by the age sweep"),
		metric.WithUnit("{entry}"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SweepAll(ctx, logger, evictions, sweepers...)
		}
	}
}

// SweepAll runs one sweep pass and returns the number of evicted entries.
func SweepAll(ctx context.Context, logger observability.Logger, evictions metric.Int64Counter, sweepers ...Sweeper) int {
	total := 0
	for _, s := range sweepers {
		if s == nil {
			continue
		}
		removed := s.Sweep()
		if removed == 0 {
			continue
		}
		total += removed
		if evictions != nil {
			evictions.Add(ctx, int64(removed), metric.WithAttributes(
				telemetry.CacheAttributes(telemetry.Environment(), s.Name(), "evicted")...))
		}
		observability.Or(logger).Debug("response cache swept",
			observability.F("cache", s.Name()),
			observability.F("removed", removed))
	}
	return total
}
