package orders

import (
	"sync"
	"time"
)

// resyncThrottle allows a broker re-check of one order at most once per interval.
type resyncThrottle struct {
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	last     map[string]time.Time
}

func newResyncThrottle(interval time.Duration, now func() time.Time) *resyncThrottle {
	throttle := new(resyncThrottle)
	throttle.interval = interval
	throttle.now = now
	throttle.last = make(map[string]time.Time)
	return throttle
}

// Allow reports whether orderID may be re-checked now and records the attempt.
func (t *resyncThrottle) Allow(orderID string) bool {
	if t == nil || t.interval <= 0 {
		return true
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[orderID]
	if !ok || now.Sub(last) >= t.interval {
		t.last[orderID] = now
		return true
	}
	return false
}

// Name identifies the throttle for maintenance logs.
func (t *resyncThrottle) Name() string { return "order_resync" }

// Sweep forgets orders not re-checked within the last interval.
func (t *resyncThrottle) Sweep() int {
	if t == nil {
		return 0
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, last := range t.last {
		if now.Sub(last) >= t.interval {
			delete(t.last, id)
			removed++
		}
	}
	return removed
}
