package dhan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.Event
	ch     chan schema.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan schema.Event, 64)}
}

func (r *eventRecorder) Apply(evt schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.ch <- evt:
	default:
	}
}

func (r *eventRecorder) Publish(_ context.Context, evt schema.Event) error {
	r.Apply(evt)
	return nil
}

func (r *eventRecorder) next(t *testing.T, match func(schema.Event) bool) schema.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-r.ch:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("expected event was not observed")
			return schema.Event{}
		}
	}
}

func wsURL(raw string) string {
	return "ws" + strings.TrimPrefix(raw, "http")
}

func readControl(t *testing.T, ch <-chan controlRequest) controlRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("expected control request")
		return controlRequest{}
	}
}

func testCredentials() Credentials {
	return Credentials{ClientID: "1100003626", AccessToken: "token-abc"}
}

func TestFeedConnectRequiresCredentials(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	err := feed.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeConfig))
	require.Equal(t, schema.FeedDisconnected, feed.Status().State)
}

func TestFeedSubscribeWhileStoppedIsNoop(t *testing.T) {
	feed := NewFeed(FeedOptions{Credentials: testCredentials()})
	require.NoError(t, feed.Subscribe(context.Background(), Subscription{Key: schema.NewKey(schema.SegmentNSEEquity, 1333)}))
	require.Zero(t, feed.Status().Subscriptions)
	require.NoError(t, feed.Disconnect(context.Background()))
}

func TestFeedSubscribesDecodesAndDisconnects(t *testing.T) {
	controls := make(chan controlRequest, 16)
	queries := make(chan url.Values, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		sentTicker := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var req controlRequest
			if json.Unmarshal(data, &req) == nil {
				controls <- req
			}
			if !sentTicker {
				sentTicker = true
				_ = conn.Write(ctx, websocket.MessageBinary, tickerFrame(schema.SegmentNSEEquity, 2885, 2900.50, 0))
			}
		}
	}))
	t.Cleanup(server.Close)

	sink := newEventRecorder()
	publisher := newEventRecorder()
	reliance := schema.NewKey(schema.SegmentNSEEquity, 2885)
	feed := NewFeed(FeedOptions{
		URL:             wsURL(server.URL),
		Credentials:     testCredentials(),
		PingInterval:    time.Hour,
		ControlInterval: -1,
		Defaults:        []Subscription{{Key: reliance, Mode: FeedModeTicker}},
		Sink:            sink,
		Publisher:       publisher,
	})

	require.NoError(t, feed.Connect(context.Background()))
	require.NoError(t, feed.Connect(context.Background()))

	q := <-queries
	require.Equal(t, "2", q.Get("version"))
	require.Equal(t, "token-abc", q.Get("token"))
	require.Equal(t, "1100003626", q.Get("clientId"))
	require.Equal(t, "2", q.Get("authType"))

	first := readControl(t, controls)
	require.Equal(t, 15, first.RequestCode)
	require.Equal(t, 1, first.InstrumentCount)
	require.Equal(t, []instrumentRef{{ExchangeSegment: "NSE_EQ", SecurityID: "2885"}}, first.InstrumentList)

	evt := sink.next(t, func(e schema.Event) bool { return e.Type == schema.EventTypeTicker })
	require.Equal(t, reliance, evt.Key)
	require.Equal(t, schema.TickerPayload{LTP: 2900.50}, evt.Payload)
	require.False(t, evt.ReceivedAt.IsZero())
	publisher.next(t, func(e schema.Event) bool { return e.Type == schema.EventTypeTicker })
	require.True(t, feed.IsConnected())

	nifty := schema.NewKey(schema.SegmentIndex, 13)
	require.NoError(t, feed.Subscribe(context.Background(),
		Subscription{Key: reliance, Mode: FeedModeTicker},
		Subscription{Key: nifty, Mode: FeedModeQuote},
	))
	second := readControl(t, controls)
	require.Equal(t, 17, second.RequestCode)
	require.Equal(t, []instrumentRef{{ExchangeSegment: "IDX_I", SecurityID: "13"}}, second.InstrumentList)
	require.Equal(t, 2, feed.Status().Subscriptions)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, feed.Disconnect(ctx))

	bye := readControl(t, controls)
	require.Equal(t, 12, bye.RequestCode)
	require.Empty(t, bye.InstrumentList)

	status := feed.Status()
	require.Equal(t, schema.FeedDisconnected, status.State)
	require.Zero(t, status.Subscriptions)
	require.False(t, feed.IsConnected())
}

func TestFeedReplaysSubscriptionsAfterReconnect(t *testing.T) {
	var connections atomic.Int32
	controls := make(chan controlRequest, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		n := connections.Add(1)
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			return
		}
		var req controlRequest
		if json.Unmarshal(data, &req) == nil {
			controls <- req
		}
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	publisher := newEventRecorder()
	feed := NewFeed(FeedOptions{
		URL:             wsURL(server.URL),
		Credentials:     testCredentials(),
		ReconnectDelay:  20 * time.Millisecond,
		PingInterval:    time.Hour,
		ControlInterval: -1,
		Defaults:        []Subscription{{Key: schema.NewKey(schema.SegmentNSEEquity, 11536), Mode: FeedModeQuote}},
		Publisher:       publisher,
	})
	require.NoError(t, feed.Connect(context.Background()))

	first := readControl(t, controls)
	second := readControl(t, controls)
	require.Equal(t, first, second)
	require.Equal(t, 17, second.RequestCode)

	dropped := publisher.next(t, func(e schema.Event) bool {
		p, ok := e.Payload.(schema.FeedStatePayload)
		return ok && p.State == schema.FeedDisconnected && p.Attempt == 1
	})
	require.False(t, dropped.Payload.(schema.FeedStatePayload).Terminal)

	require.Eventually(t, feed.IsConnected, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, feed.Status().Attempts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, feed.Disconnect(ctx))
}

func TestFeedStopsAfterMaxReconnects(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	publisher := newEventRecorder()
	feed := NewFeed(FeedOptions{
		URL:            wsURL(server.URL),
		Credentials:    testCredentials(),
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  2,
		Publisher:      publisher,
	})
	require.NoError(t, feed.Connect(context.Background()))

	terminal := publisher.next(t, func(e schema.Event) bool {
		p, ok := e.Payload.(schema.FeedStatePayload)
		return ok && p.Terminal
	})
	payload := terminal.Payload.(schema.FeedStatePayload)
	require.Equal(t, schema.FeedDisconnected, payload.State)
	require.Equal(t, 2, payload.Attempt)
	require.NotEmpty(t, payload.Reason)

	require.Eventually(t, func() bool { return !feed.running.Load() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), dials.Load())
	require.False(t, feed.IsConnected())
	require.NoError(t, feed.Disconnect(context.Background()))
}

func TestChunkInstruments(t *testing.T) {
	refs := make([]instrumentRef, 250)
	chunks := chunkInstruments(refs, maxInstrumentsPerFrame)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 100)
	require.Len(t, chunks[1], 100)
	require.Len(t, chunks[2], 50)
	require.Nil(t, chunkInstruments(nil, 100))
}
