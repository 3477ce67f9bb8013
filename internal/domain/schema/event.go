package schema

import "time"

// EventType identifies decoded feed events published on the bus.
type EventType string

const (
	EventTypeTicker       EventType = "TICKER"
	EventTypeQuote        EventType = "QUOTE"
	EventTypePrevClose    EventType = "PREV_CLOSE"
	EventTypeOpenInterest EventType = "OPEN_INTEREST"
	EventTypeOptionStrike EventType = "OPTION.STRIKE"
	// EventTypeFeedState reports feed connector lifecycle transitions.
	EventTypeFeedState EventType = "FEED.STATE"
)

// Event is a decoded market event keyed by instrument.
type Event struct {
	Type       EventType     `json:"type"`
	Key        InstrumentKey `json:"key"`
	ReceivedAt time.Time     `json:"receivedAt"`
	Payload    any           `json:"payload"`
}

// TickerPayload carries a last traded price update.
type TickerPayload struct {
	LTP           float64   `json:"ltp"`
	LastTradeTime time.Time `json:"lastTradeTime"`
}

// PrevClosePayload carries the previous session close.
type PrevClosePayload struct {
	PrevClose float64 `json:"prevClose"`
}

// OpenInterestPayload carries open interest for derivatives.
type OpenInterestPayload struct {
	OpenInterest uint32 `json:"openInterest"`
}

// OptionStrikePayload carries one strike row of an option chain.
type OptionStrikePayload struct {
	Strike  float64 `json:"strike"`
	CallLTP float64 `json:"ce"`
	PutLTP  float64 `json:"pe"`
}

// FeedState enumerates feed connector states.
type FeedState string

const (
	FeedDisconnected FeedState = "DISCONNECTED"
	FeedConnecting   FeedState = "CONNECTING"
	FeedConnected    FeedState = "CONNECTED"
)

// FeedStatePayload describes a lifecycle transition of the feed connector.
type FeedStatePayload struct {
	State    FeedState `json:"state"`
	Attempt  int       `json:"attempt"`
	Terminal bool      `json:"terminal,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}
