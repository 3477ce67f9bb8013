package dhan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

// Feed owns the streaming market-data connection: dial, subscribe, decode,
// reconnect with a flat delay, and teardown.
type Feed struct {
	opts    FeedOptions
	logger  observability.Logger
	metrics *feedMetrics

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	stateMu  sync.RWMutex
	state    schema.FeedState
	attempts int

	conn   *websocket.Conn
	connMu sync.RWMutex

	subscriptions map[schema.InstrumentKey]FeedMode
	subsMu        sync.Mutex

	controlMu       sync.Mutex
	lastControlSend time.Time
}

// FeedStatus is a point-in-time view of the connector.
type FeedStatus struct {
	State         schema.FeedState `json:"state"`
	Attempts      int              `json:"attempts"`
	Subscriptions int              `json:"subscriptions"`
}

type instrumentRef struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type controlRequest struct {
	RequestCode     int             `json:"RequestCode"`
	InstrumentCount int             `json:"InstrumentCount,omitempty"`
	InstrumentList  []instrumentRef `json:"InstrumentList,omitempty"`
}

// NewFeed builds a disconnected feed connector.
func NewFeed(opts FeedOptions) *Feed {
	opts = opts.withDefaults()
	return &Feed{
		opts:          opts,
		logger:        opts.Logger,
		metrics:       newFeedMetrics(),
		state:         schema.FeedDisconnected,
		subscriptions: make(map[schema.InstrumentKey]FeedMode),
	}
}

// Connect starts the connection loop in the background. It is a no-op when
// the loop is already running. The loop outlives ctx; stop it with Disconnect.
func (f *Feed) Connect(ctx context.Context) error {
	if !f.opts.Credentials.Present() {
		return errs.New(Name, errs.CodeConfig,
			errs.WithMessage("feed credentials missing"),
			errs.WithCanonicalCode(errs.CanonicalCredentialsMissing))
	}

	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.running.Load() {
		return nil
	}
	if f.cancel != nil {
		f.cancel()
	}

	f.seedDefaults(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.running.Store(true)

	go func() {
		defer close(done)
		defer f.running.Store(false)
		f.run(runCtx)
	}()
	return nil
}

// Disconnect stops the loop without scheduling a reconnect and clears the
// subscription set.
func (f *Feed) Disconnect(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	if cancel == nil {
		return nil
	}

	f.sendControl(ctx, controlRequest{RequestCode: f.opts.RequestCodes.Disconnect}, 0)
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for feed shutdown: %w", ctx.Err())
	}

	f.subsMu.Lock()
	dropped := len(f.subscriptions)
	f.subscriptions = make(map[schema.InstrumentKey]FeedMode)
	f.subsMu.Unlock()
	f.metrics.adjustSubscriptions(ctx, -dropped)

	f.setState(ctx, schema.FeedDisconnected, 0, false, "disconnect requested")
	return nil
}

// IsConnected reports whether the feed is in the Connected state.
func (f *Feed) IsConnected() bool {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state == schema.FeedConnected
}

// Status returns the current state, reconnect attempt count and subscription size.
func (f *Feed) Status() FeedStatus {
	f.stateMu.RLock()
	status := FeedStatus{State: f.state, Attempts: f.attempts}
	f.stateMu.RUnlock()
	f.subsMu.Lock()
	status.Subscriptions = len(f.subscriptions)
	f.subsMu.Unlock()
	return status
}

// Subscribe grows the subscription set. Instruments already subscribed at
// the same or a richer mode are skipped. While not connected the control
// frame is not sent; the set is replayed on the next successful connect.
func (f *Feed) Subscribe(ctx context.Context, subs ...Subscription) error {
	if len(subs) == 0 || !f.running.Load() {
		return nil
	}

	f.subsMu.Lock()
	fresh := make([]Subscription, 0, len(subs))
	added := 0
	for _, sub := range subs {
		if sub.Mode == 0 {
			sub.Mode = FeedModeTicker
		}
		current, exists := f.subscriptions[sub.Key]
		if exists && current >= sub.Mode {
			continue
		}
		if !exists {
			added++
		}
		f.subscriptions[sub.Key] = sub.Mode
		fresh = append(fresh, sub)
	}
	f.subsMu.Unlock()

	f.metrics.adjustSubscriptions(ctx, added)
	if len(fresh) == 0 || !f.IsConnected() {
		return nil
	}
	return f.sendSubscriptions(ctx, fresh)
}

func (f *Feed) seedDefaults(ctx context.Context) {
	f.subsMu.Lock()
	before := len(f.subscriptions)
	f.subscriptions = make(map[schema.InstrumentKey]FeedMode, len(f.opts.Defaults))
	for _, sub := range f.opts.Defaults {
		if sub.Mode == 0 {
			sub.Mode = FeedModeTicker
		}
		if current, ok := f.subscriptions[sub.Key]; !ok || current < sub.Mode {
			f.subscriptions[sub.Key] = sub.Mode
		}
	}
	after := len(f.subscriptions)
	f.subsMu.Unlock()
	f.metrics.adjustSubscriptions(ctx, after-before)
}

// run keeps one session alive until ctx ends or reconnect attempts are exhausted.
func (f *Feed) run(ctx context.Context) {
	policy := backoff.NewConstantBackOff(f.opts.ReconnectDelay)
	attempts := 0

	for {
		connected, err := f.session(ctx, attempts)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
			policy.Reset()
		}
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}

		if attempts >= f.opts.MaxReconnects {
			f.metrics.recordReconnect(ctx, "exhausted")
			f.logger.Error("feed reconnect attempts exhausted",
				observability.F("attempts", attempts),
				observability.F("reason", reason))
			f.setState(ctx, schema.FeedDisconnected, attempts, true, reason)
			return
		}

		attempts++
		f.setState(ctx, schema.FeedDisconnected, attempts, false, reason)
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = f.opts.ReconnectDelay
		}
		f.logger.Warn("feed disconnected, scheduling reconnect",
			observability.F("attempt", attempts),
			observability.F("max_attempts", f.opts.MaxReconnects),
			observability.Duration("delay_ms", wait),
			observability.F("reason", reason))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and serves the connection until it drops.
func (f *Feed) session(ctx context.Context, attempt int) (bool, error) {
	f.setState(ctx, schema.FeedConnecting, attempt, false, "")

	endpoint, err := f.endpoint()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		f.metrics.recordReconnect(ctx, "error")
		return false, fmt.Errorf("dial feed: %w", err)
	}
	f.metrics.recordReconnect(ctx, "success")
	conn.SetReadLimit(f.opts.ReadLimit)

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.controlMu.Lock()
	f.lastControlSend = time.Time{}
	f.controlMu.Unlock()

	f.setState(ctx, schema.FeedConnected, 0, false, "")
	if err := f.subscribeAll(ctx); err != nil {
		f.logger.Warn("feed resubscribe failed", observability.Err(err))
	}

	connCtx, connCancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- f.readLoop(connCtx, conn) })
	wg.Go(func() { errCh <- f.pingLoop(connCtx, conn) })

	firstErr := <-errCh
	connCancel()

	f.connMu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	wg.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || errors.Is(aggregated, context.Canceled) {
			aggregated = e
		}
	}
	if errors.Is(aggregated, context.Canceled) {
		aggregated = nil
	}
	return true, aggregated
}

func (f *Feed) endpoint() (string, error) {
	u, err := url.Parse(f.opts.URL)
	if err != nil {
		return "", errs.New(Name, errs.CodeConfig, errs.WithMessage("invalid feed url"), errs.WithCause(err))
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", f.opts.Credentials.AccessToken)
	q.Set("clientId", f.opts.Credentials.ClientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Feed) setState(ctx context.Context, state schema.FeedState, attempt int, terminal bool, reason string) {
	f.stateMu.Lock()
	changed := f.state != state || terminal
	f.state = state
	f.attempts = attempt
	f.stateMu.Unlock()

	if !changed {
		return
	}
	f.metrics.recordState(ctx, string(state))
	f.logger.Info("feed state", observability.F("state", state), observability.F("attempt", attempt), observability.F("terminal", terminal))

	if f.opts.Publisher == nil {
		return
	}
	evt := schema.Event{
		Type:       schema.EventTypeFeedState,
		ReceivedAt: time.Now().UTC(),
		Payload:    schema.FeedStatePayload{State: state, Attempt: attempt, Terminal: terminal, Reason: reason},
	}
	if err := f.opts.Publisher.Publish(context.WithoutCancel(ensureContext(ctx)), evt); err != nil {
		f.logger.Debug("publish feed state failed", observability.Err(err))
	}
}

// subscribeAll replays the full subscription set after a (re)connect.
func (f *Feed) subscribeAll(ctx context.Context) error {
	f.subsMu.Lock()
	subs := make([]Subscription, 0, len(f.subscriptions))
	for key, mode := range f.subscriptions {
		subs = append(subs, Subscription{Key: key, Mode: mode})
	}
	f.subsMu.Unlock()
	return f.sendSubscriptions(ctx, subs)
}

func (f *Feed) sendSubscriptions(ctx context.Context, subs []Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	byMode := make(map[FeedMode][]instrumentRef)
	for _, sub := range subs {
		byMode[sub.Mode] = append(byMode[sub.Mode], instrumentRef{
			ExchangeSegment: sub.Key.Segment.String(),
			SecurityID:      sub.Key.SecurityIDString(),
		})
	}
	modes := make([]FeedMode, 0, len(byMode))
	for mode := range byMode {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })

	for _, mode := range modes {
		refs := byMode[mode]
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].ExchangeSegment != refs[j].ExchangeSegment {
				return refs[i].ExchangeSegment < refs[j].ExchangeSegment
			}
			return refs[i].SecurityID < refs[j].SecurityID
		})
		for _, chunk := range chunkInstruments(refs, maxInstrumentsPerFrame) {
			req := controlRequest{
				RequestCode:     f.opts.RequestCodes.forMode(mode),
				InstrumentCount: len(chunk),
				InstrumentList:  chunk,
			}
			if err := f.sendControl(ctx, req, len(chunk)); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendControl writes one JSON control frame. Without a live connection it is
// a silent no-op.
func (f *Feed) sendControl(ctx context.Context, req controlRequest, count int) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal control request %d: %w", req.RequestCode, err)
	}

	f.controlMu.Lock()
	defer f.controlMu.Unlock()

	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	if err := f.waitForControlWindowLocked(ctx); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ensureContext(ctx), defaultWriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return fmt.Errorf("write control request %d: %w", req.RequestCode, err)
	}
	f.lastControlSend = time.Now()
	f.metrics.recordControl(ctx, req.RequestCode, max(count, 1))
	f.logger.Debug("feed control request", observability.F("request_code", req.RequestCode), observability.F("instruments", count))
	return nil
}

func (f *Feed) waitForControlWindowLocked(ctx context.Context) error {
	if f.lastControlSend.IsZero() || f.opts.ControlInterval <= 0 {
		return nil
	}
	wait := time.Until(f.lastControlSend.Add(f.opts.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ensureContext(ctx).Done():
		return fmt.Errorf("context done while pacing control requests: %w", ctx.Err())
	}
}

func chunkInstruments(refs []instrumentRef, size int) [][]instrumentRef {
	if len(refs) == 0 {
		return nil
	}
	if size <= 0 || len(refs) <= size {
		return [][]instrumentRef{append([]instrumentRef(nil), refs...)}
	}
	chunks := make([][]instrumentRef, 0, (len(refs)+size-1)/size)
	for start := 0; start < len(refs); start += size {
		end := min(start+size, len(refs))
		chunks = append(chunks, append([]instrumentRef(nil), refs[start:end]...))
	}
	return chunks
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(f.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				f.metrics.recordPing(ctx, "error")
				if isClosed(err) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
			f.metrics.recordPing(ctx, "success")
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isClosed(err) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return errors.New("read: remote closed normally")
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageBinary {
			f.logger.Debug("feed text message ignored", observability.F("bytes", len(data)))
			continue
		}
		f.handleFrame(ctx, data)
	}
}

func (f *Feed) handleFrame(ctx context.Context, frame []byte) {
	evt, outcome := Decode(frame)
	f.metrics.recordFrame(ctx, string(evt.Type), outcome, len(frame))

	switch outcome {
	case OutcomeDecoded:
	case OutcomeUnknown:
		h, _ := ParseHeader(frame)
		f.logger.Debug("feed frame type not recognised",
			observability.F("frame_type", h.Type),
			observability.F("instrument", h.Key().String()),
			observability.F("bytes", len(frame)))
		return
	default:
		return
	}

	evt.ReceivedAt = time.Now().UTC()
	if f.opts.Sink != nil {
		f.opts.Sink.Apply(evt)
	}
	if f.opts.Publisher != nil {
		if err := f.opts.Publisher.Publish(ctx, evt); err != nil {
			f.logger.Debug("publish feed event failed", observability.Err(err))
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}
