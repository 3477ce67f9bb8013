package dhan

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

type metadata struct {
	identifier      string
	apiBaseURL      string
	feedURL         string
	ltpPath         string
	ohlcPath        string
	quotePath       string
	optionChainPath string
	expiryListPath  string
	ordersPath      string
	positionsPath   string
	holdingsPath    string
	fundLimitPath   string
}

var dhanMetadata = metadata{
	identifier:      "dhan",
	apiBaseURL:      "https://api.dhan.co",
	feedURL:         "wss://api-feed.dhan.co",
	ltpPath:         "/v2/marketfeed/ltp",
	ohlcPath:        "/v2/marketfeed/ohlc",
	quotePath:       "/v2/marketfeed/quote",
	optionChainPath: "/v2/optionchain",
	expiryListPath:  "/v2/optionchain/expirylist",
	ordersPath:      "/v2/orders",
	positionsPath:   "/v2/positions",
	holdingsPath:    "/v2/holdings",
	fundLimitPath:   "/v2/fundlimit",
}

// Name is the broker identifier used in errors and metrics.
const Name = "dhan"

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultReconnectDelay  = 5 * time.Second
	defaultMaxReconnects   = 5
	defaultPingInterval    = 30 * time.Second
	defaultPingTimeout     = 5 * time.Second
	defaultControlInterval = 100 * time.Millisecond
	defaultWriteTimeout    = 5 * time.Second
	defaultReadLimit       = 1 << 20
	maxInstrumentsPerFrame = 100
)

// Credentials authenticate REST calls and the feed.
type Credentials struct {
	ClientID    string
	AccessToken string
}

// Present reports whether both credential parts are configured.
func (c Credentials) Present() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.AccessToken) != ""
}

// RESTOptions configure the REST client.
type RESTOptions struct {
	BaseURL     string
	Credentials Credentials
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Logger      observability.Logger

	metadata metadata
}

func (o RESTOptions) withDefaults() RESTOptions {
	o.metadata = dhanMetadata
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = o.metadata.apiBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.HTTPTimeout}
	}
	o.Logger = observability.Or(o.Logger)
	return o
}

// FeedMode selects the packet family requested for an instrument.
type FeedMode int

const (
	FeedModeTicker FeedMode = iota + 1
	FeedModeQuote
	FeedModeFull
)

func (m FeedMode) String() string {
	switch m {
	case FeedModeTicker:
		return "ticker"
	case FeedModeQuote:
		return "quote"
	case FeedModeFull:
		return "full"
	default:
		return "unknown"
	}
}

// RequestCodes maps feed modes to the broker's subscribe request codes.
type RequestCodes struct {
	Ticker     int
	Quote      int
	Full       int
	Disconnect int
}

func (r RequestCodes) withDefaults() RequestCodes {
	if r.Ticker == 0 {
		r.Ticker = 15
	}
	if r.Quote == 0 {
		r.Quote = 17
	}
	if r.Full == 0 {
		r.Full = 21
	}
	if r.Disconnect == 0 {
		r.Disconnect = 12
	}
	return r
}

func (r RequestCodes) forMode(mode FeedMode) int {
	switch mode {
	case FeedModeQuote:
		return r.Quote
	case FeedModeFull:
		return r.Full
	default:
		return r.Ticker
	}
}

// Subscription pairs an instrument with the requested feed mode.
type Subscription struct {
	Key  schema.InstrumentKey
	Mode FeedMode
}

// EventSink receives every decoded event synchronously from the read loop.
type EventSink interface {
	Apply(evt schema.Event)
}

// EventPublisher fans decoded events out to downstream listeners.
type EventPublisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// FeedOptions configure the streaming connector.
type FeedOptions struct {
	URL             string
	Credentials     Credentials
	ReconnectDelay  time.Duration
	MaxReconnects   int
	PingInterval    time.Duration
	ControlInterval time.Duration
	ReadLimit       int64
	RequestCodes    RequestCodes
	Defaults        []Subscription
	Sink            EventSink
	Publisher       EventPublisher
	Logger          observability.Logger

	metadata metadata
}

func (o FeedOptions) withDefaults() FeedOptions {
	o.metadata = dhanMetadata
	if strings.TrimSpace(o.URL) == "" {
		o.URL = o.metadata.feedURL
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = defaultMaxReconnects
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ControlInterval < 0 {
		o.ControlInterval = 0
	} else if o.ControlInterval == 0 {
		o.ControlInterval = defaultControlInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	o.RequestCodes = o.RequestCodes.withDefaults()
	o.Logger = observability.Or(o.Logger)
	return o
}
