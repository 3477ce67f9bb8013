package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

type dispatchLog struct {
	mu    sync.Mutex
	times []time.Time
	names []string
}

func (d *dispatchLog) record(clock Clock, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, clock.Now())
	d.names = append(d.names, name)
}

func (d *dispatchLog) snapshot() ([]time.Time, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...), append([]string(nil), d.names...)
}

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("future did not resolve")
		}
	}
}

func TestDispatchSpacingHonoursInterval(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Clock: clock})
	defer s.Close()

	log := new(dispatchLog)
	futures := make([]*Future, 0, 10)
	for i := 0; i < 10; i++ {
		f, err := s.Enqueue(context.Background(), CategoryOrders, PriorityNormal, func(context.Context) (any, error) {
			log.record(clock, "")
			return nil, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	waitAll(t, futures...)

	times, _ := log.snapshot()
	require.Len(t, times, 10)
	for i := 1; i < len(times); i++ {
		require.GreaterOrEqual(t, times[i].Sub(times[i-1]), 2*time.Second)
	}
}

func TestBalanceRequestsAreFiveSecondsApart(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Clock: clock})
	defer s.Close()

	var first, second time.Time
	_, err := Do(context.Background(), s, CategoryBalance, PriorityNormal, func(context.Context) (int, error) {
		first = clock.Now()
		return 1, nil
	})
	require.NoError(t, err)

	require.NoError(t, clock.Sleep(context.Background(), 400*time.Millisecond))
	got, err := Do(context.Background(), s, CategoryBalance, PriorityNormal, func(context.Context) (int, error) {
		second = clock.Now()
		return 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, got)
	require.GreaterOrEqual(t, second.Sub(first), 5*time.Second)
}

func TestRealClockSpacing(t *testing.T) {
	interval := 30 * time.Millisecond
	s := New(Config{Intervals: map[Category]time.Duration{CategoryMarketData: interval}})
	defer s.Close()

	clock := realClock{}
	log := new(dispatchLog)
	var futures []*Future
	for i := 0; i < 4; i++ {
		f, err := s.Enqueue(context.Background(), CategoryMarketData, PriorityNormal, func(context.Context) (any, error) {
			log.record(clock, "")
			return nil, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	waitAll(t, futures...)

	times, _ := log.snapshot()
	for i := 1; i < len(times); i++ {
		require.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval)
	}
}

func TestHighPriorityJumpsWaitingItemsOnly(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Clock: clock})
	defer s.Close()

	log := new(dispatchLog)
	started := make(chan struct{})
	release := make(chan struct{})
	job := func(name string) Work {
		return func(context.Context) (any, error) {
			log.record(clock, name)
			return name, nil
		}
	}

	inflight, err := s.Enqueue(context.Background(), CategoryOrders, PriorityNormal, func(context.Context) (any, error) {
		log.record(clock, "inflight")
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	var futures []*Future
	for _, item := range []struct {
		name string
		prio Priority
	}{
		{"a", PriorityNormal},
		{"b", PriorityNormal},
		{"h1", PriorityHigh},
		{"c", PriorityNormal},
		{"h2", PriorityHigh},
	} {
		f, err := s.Enqueue(context.Background(), CategoryOrders, item.prio, job(item.name))
		require.NoError(t, err)
		futures = append(futures, f)
	}
	require.Equal(t, 5, s.Depth(CategoryOrders))
	close(release)
	waitAll(t, append(futures, inflight)...)

	_, names := log.snapshot()
	require.Equal(t, []string{"inflight", "h1", "h2", "a", "b", "c"}, names)
}

func TestCategoriesAreIndependent(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	blocked, err := s.Enqueue(context.Background(), CategoryBalance, PriorityNormal, func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Do(ctx, s, CategoryOrders, PriorityNormal, func(context.Context) (string, error) {
		return "placed", nil
	})
	require.NoError(t, err)
	require.Equal(t, "placed", got)

	close(release)
	waitAll(t, blocked)
}

func TestCancelledRequestIsSkipped(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := s.Enqueue(context.Background(), CategoryHoldings, PriorityNormal, func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	skipped, err := s.Enqueue(ctx, CategoryHoldings, PriorityNormal, func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	cancel()
	close(release)
	waitAll(t, first, skipped)

	_, err = skipped.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

func TestDispatchedWorkIgnoresCallerCancellation(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	f, err := s.Enqueue(ctx, CategoryPositions, PriorityNormal, func(workCtx context.Context) (any, error) {
		close(started)
		<-release
		return workCtx.Err(), nil
	})
	require.NoError(t, err)
	<-started
	cancel()
	close(release)

	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestEnqueueValidation(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})

	_, err := s.Enqueue(context.Background(), Category("bogus"), PriorityNormal, func(context.Context) (any, error) { return nil, nil })
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = s.Enqueue(context.Background(), CategoryOrders, PriorityNormal, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	interval, ok := s.Interval(CategoryExpiryDates)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, interval)

	s.Close()
	_, err = s.Enqueue(context.Background(), CategoryOrders, PriorityNormal, func(context.Context) (any, error) { return nil, nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestCloseRejectsQueuedWork(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})

	started := make(chan struct{})
	release := make(chan struct{})
	inflight, err := s.Enqueue(context.Background(), CategoryOptionChain, PriorityNormal, func(context.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	require.NoError(t, err)
	<-started

	queued, err := s.Enqueue(context.Background(), CategoryOptionChain, PriorityNormal, func(context.Context) (any, error) {
		return "never", nil
	})
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return s.ctx.Err() != nil }, time.Second, time.Millisecond)
	close(release)
	<-closed

	value, err := inflight.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", value)

	_, err = queued.Wait(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestWorkErrorsAndPanicsReachCaller(t *testing.T) {
	s := New(Config{Clock: newFakeClock()})
	defer s.Close()

	boom := errors.New("broker down")
	_, err := Do(context.Background(), s, CategoryStrikeOHLC, PriorityHigh, func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	_, err = Do(context.Background(), s, CategoryStrikeOHLC, PriorityNormal, func(context.Context) (string, error) {
		panic("unexpected payload")
	})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}
