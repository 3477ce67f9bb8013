package dhan

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

// Frame type codes of the binary market feed.
const (
	FrameTicker       byte = 2
	FrameQuote        byte = 4
	FrameOpenInterest byte = 5
	FramePrevClose    byte = 6
	FrameOptionStrike byte = 7
)

// HeaderSize is the fixed frame header: type, segment (u16), reserved, security id (u32).
const HeaderSize = 8

const (
	tickerFrameSize       = 16
	quoteFrameSize        = 50
	openInterestFrameSize = 12
	prevCloseFrameSize    = 12
	optionStrikeFrameSize = 20
)

// Outcome classifies a decode attempt.
type Outcome int

const (
	OutcomeDecoded Outcome = iota
	// OutcomeShort covers frames below the header or the type-specific minimum.
	OutcomeShort
	OutcomeUnknown
	// OutcomeMalformed covers frames carrying non-finite prices.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecoded:
		return "decoded"
	case OutcomeShort:
		return "short"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "outcome_" + strconv.Itoa(int(o))
	}
}

// Header is the parsed fixed frame header.
type Header struct {
	Type       byte
	Segment    schema.ExchangeSegment
	SecurityID uint32
}

// Key returns the instrument key addressed by the frame.
func (h Header) Key() schema.InstrumentKey {
	return schema.NewKey(h.Segment, h.SecurityID)
}

// ParseHeader reads the 8-byte header. ok is false for shorter buffers.
func ParseHeader(frame []byte) (Header, bool) {
	if len(frame) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Type:       frame[0],
		Segment:    schema.ExchangeSegment(binary.LittleEndian.Uint16(frame[1:3])),
		SecurityID: binary.LittleEndian.Uint32(frame[4:8]),
	}, true
}

// Decode turns one binary frame into a market event. It performs no I/O and
// never fails loudly: undersized or unknown frames are reported via Outcome.
// ReceivedAt is left zero for the caller to stamp.
func Decode(frame []byte) (schema.Event, Outcome) {
	h, ok := ParseHeader(frame)
	if !ok {
		return schema.Event{}, OutcomeShort
	}
	evt := schema.Event{Key: h.Key()}
	r := priceReader{frame: frame}

	switch h.Type {
	case FrameTicker:
		if len(frame) < tickerFrameSize {
			return schema.Event{}, OutcomeShort
		}
		evt.Type = schema.EventTypeTicker
		evt.Payload = schema.TickerPayload{
			LTP:           r.price(8),
			LastTradeTime: epoch(binary.LittleEndian.Uint32(frame[12:16])),
		}
	case FrameQuote:
		if len(frame) < quoteFrameSize {
			return schema.Event{}, OutcomeShort
		}
		evt.Type = schema.EventTypeQuote
		evt.Payload = schema.OHLCQuote{
			Key:           h.Key(),
			LTP:           r.price(8),
			LastTradeQty:  binary.LittleEndian.Uint16(frame[12:14]),
			LastTradeTime: epoch(binary.LittleEndian.Uint32(frame[14:18])),
			AvgPrice:      r.price(18),
			Volume:        binary.LittleEndian.Uint32(frame[22:26]),
			TotalSellQty:  binary.LittleEndian.Uint32(frame[26:30]),
			TotalBuyQty:   binary.LittleEndian.Uint32(frame[30:34]),
			Open:          r.price(34),
			Close:         r.price(38),
			High:          r.price(42),
			Low:           r.price(46),
		}
	case FrameOpenInterest:
		if len(frame) < openInterestFrameSize {
			return schema.Event{}, OutcomeShort
		}
		evt.Type = schema.EventTypeOpenInterest
		evt.Payload = schema.OpenInterestPayload{OpenInterest: binary.LittleEndian.Uint32(frame[8:12])}
	case FramePrevClose:
		if len(frame) < prevCloseFrameSize {
			return schema.Event{}, OutcomeShort
		}
		evt.Type = schema.EventTypePrevClose
		evt.Payload = schema.PrevClosePayload{PrevClose: r.price(8)}
	case FrameOptionStrike:
		if len(frame) < optionStrikeFrameSize {
			return schema.Event{}, OutcomeShort
		}
		evt.Type = schema.EventTypeOptionStrike
		evt.Payload = schema.OptionStrikePayload{
			Strike:  r.price(8),
			CallLTP: r.price(12),
			PutLTP:  r.price(16),
		}
	default:
		return schema.Event{Key: h.Key()}, OutcomeUnknown
	}
	if r.bad {
		return schema.Event{}, OutcomeMalformed
	}
	return evt, OutcomeDecoded
}

type priceReader struct {
	frame []byte
	bad   bool
}

func (r *priceReader) price(offset int) float64 {
	v := f32(r.frame, offset)
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		r.bad = true
		return 0
	}
	return schema.RoundPrice32(v)
}

func f32(frame []byte, offset int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(frame[offset : offset+4]))
}

func epoch(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
