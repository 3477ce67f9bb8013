// Package scheduler serialises outbound broker calls per API category and
// enforces a minimum spacing between dispatches.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const component = "scheduler"

// Work is one unit of broker interaction. It receives a context detached
// from the caller's cancellation: once dispatched, a call runs to completion.
type Work func(ctx context.Context) (any, error)

// Config configures a Scheduler.
type Config struct {
	// Intervals overrides DefaultIntervals per category. Categories absent
	// from both maps are rejected on Enqueue.
	Intervals map[Category]time.Duration
	Clock     Clock
	Logger    observability.Logger
}

// Scheduler owns one FIFO queue and one drain loop per category.
type Scheduler struct {
	clock   Clock
	logger  observability.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	lanes     map[Category]*lane
	closeOnce sync.Once
}

type request struct {
	ctx      context.Context
	work     Work
	priority Priority
	enqueued time.Time
	future   *Future
}

type lane struct {
	category Category
	interval time.Duration

	mu     sync.Mutex
	high   []*request
	normal []*request
	closed bool
	wake   chan struct{}

	// lastDispatch is touched only by the lane's drain loop.
	lastDispatch time.Time
}

// New starts one drain loop per configured category.
func New(cfg Config) *Scheduler {
	intervals := DefaultIntervals()
	for cat, interval := range cfg.Intervals {
		if interval < 0 {
			interval = 0
		}
		intervals[cat] = interval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:   clock,
		logger:  observability.Or(cfg.Logger),
		metrics: newMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[Category]*lane, len(intervals)),
	}
	for _, cat := range sortedCategories(intervals) {
		l := &lane{category: cat, interval: intervals[cat], wake: make(chan struct{}, 1)}
		s.lanes[cat] = l
		s.wg.Go(func() { s.drain(l) })
	}
	return s
}

// Interval returns the configured spacing for a category.
func (s *Scheduler) Interval(cat Category) (time.Duration, bool) {
	l, ok := s.lanes[cat]
	if !ok {
		return 0, false
	}
	return l.interval, true
}

// Enqueue queues work under cat. High priority work goes ahead of every
// waiting normal item but behind earlier high items and whatever is in flight.
// A request whose ctx ends before dispatch is skipped and rejected with ctx's error.
func (s *Scheduler) Enqueue(ctx context.Context, cat Category, prio Priority, work Work) (*Future, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if work == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("work required"))
	}
	l, ok := s.lanes[cat]
	if !ok {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown category %q", cat)))
	}

	req := &request{
		ctx:      ctx,
		work:     work,
		priority: prio,
		enqueued: s.clock.Now(),
		future:   newFuture(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errClosed()
	}
	if prio == PriorityHigh {
		l.high = append(l.high, req)
	} else {
		l.normal = append(l.normal, req)
	}
	l.mu.Unlock()

	s.metrics.queued(ctx, cat, prio, 1)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return req.future, nil
}

// Depth reports the number of queued, not yet dispatched, requests for cat.
func (s *Scheduler) Depth(cat Category) int {
	l, ok := s.lanes[cat]
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.high) + len(l.normal)
}

// Close stops every drain loop. In-flight work completes; queued work is
// rejected with an unavailable error.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, l := range s.lanes {
			l.mu.Lock()
			l.closed = true
			pending := append(l.high, l.normal...)
			l.high, l.normal = nil, nil
			l.mu.Unlock()
			for _, req := range pending {
				s.metrics.queued(context.Background(), l.category, req.priority, -1)
				req.future.resolve(nil, errClosed())
			}
		}
	})
}

func (s *Scheduler) drain(l *lane) {
	for {
		req, ok := s.next(l)
		if !ok {
			return
		}
		s.metrics.queued(req.ctx, l.category, req.priority, -1)

		if err := req.ctx.Err(); err != nil {
			s.metrics.dispatched(req.ctx, l.category, "skipped")
			req.future.resolve(nil, err)
			continue
		}

		if !l.lastDispatch.IsZero() {
			if wait := l.interval - s.clock.Now().Sub(l.lastDispatch); wait > 0 {
				if err := s.clock.Sleep(s.ctx, wait); err != nil {
					req.future.resolve(nil, errClosed())
					return
				}
			}
		}
		if err := req.ctx.Err(); err != nil {
			s.metrics.dispatched(req.ctx, l.category, "skipped")
			req.future.resolve(nil, err)
			continue
		}

		start := s.clock.Now()
		l.lastDispatch = start
		s.metrics.waited(req.ctx, l.category, start.Sub(req.enqueued))

		value, err := s.execute(req)
		result := "success"
		if err != nil {
			result = "error"
		}
		s.metrics.dispatched(req.ctx, l.category, result)
		req.future.resolve(value, err)
	}
}

// next pops the head of the high queue, then the normal queue, blocking
// until an item arrives or the scheduler closes.
func (s *Scheduler) next(l *lane) (*request, bool) {
	for {
		if s.ctx.Err() != nil {
			return nil, false
		}
		l.mu.Lock()
		var req *request
		switch {
		case len(l.high) > 0:
			req = l.high[0]
			l.high[0] = nil
			l.high = l.high[1:]
		case len(l.normal) > 0:
			req = l.normal[0]
			l.normal[0] = nil
			l.normal = l.normal[1:]
		}
		l.mu.Unlock()
		if req != nil {
			return req, true
		}

		select {
		case <-s.ctx.Done():
			return nil, false
		case <-l.wake:
		}
	}
}

func (s *Scheduler) execute(req *request) (value any, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		value, err = req.work(context.WithoutCancel(req.ctx))
	})
	if recovered := catcher.Recovered(); recovered != nil {
		s.logger.Error("scheduled work panicked", observability.F("panic", recovered.String()))
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("scheduled work panicked"),
			errs.WithCause(recovered.AsError()))
	}
	return value, err
}

func errClosed() error {
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage("scheduler closed"))
}

// Future is the pending result of an enqueued request.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
	})
}

// Done is closed once the request resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do enqueues work under cat and waits for its typed result.
func Do[T any](ctx context.Context, s *Scheduler, cat Category, prio Priority, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	future, err := s.Enqueue(ctx, cat, prio, func(ctx context.Context) (any, error) {
		return work(ctx)
	})
	if err != nil {
		return zero, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		if typed, ok := value.(T); ok {
			return typed, err
		}
		return zero, err
	}
	typed, ok := value.(T)
	if !ok && value != nil {
		return zero, fmt.Errorf("scheduler: unexpected result type %T", value)
	}
	return typed, nil
}
