package dhan

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

func header(frameType byte, seg schema.ExchangeSegment, securityID uint32, size int) []byte {
	buf := make([]byte, size)
	buf[0] = frameType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(seg))
	binary.LittleEndian.PutUint32(buf[4:8], securityID)
	return buf
}

func putF32(buf []byte, offset int, v float64) {
	binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(float32(v)))
}

func tickerFrame(seg schema.ExchangeSegment, id uint32, ltp float64, ltt uint32) []byte {
	buf := header(FrameTicker, seg, id, tickerFrameSize)
	putF32(buf, 8, ltp)
	binary.LittleEndian.PutUint32(buf[12:16], ltt)
	return buf
}

func prevCloseFrame(seg schema.ExchangeSegment, id uint32, prev float64) []byte {
	buf := header(FramePrevClose, seg, id, 16)
	putF32(buf, 8, prev)
	return buf
}

func strikeFrame(seg schema.ExchangeSegment, id uint32, strike, ce, pe float64) []byte {
	buf := header(FrameOptionStrike, seg, id, optionStrikeFrameSize)
	putF32(buf, 8, strike)
	putF32(buf, 12, ce)
	putF32(buf, 16, pe)
	return buf
}

func quoteFrame(q schema.OHLCQuote) []byte {
	buf := header(FrameQuote, q.Key.Segment, q.Key.SecurityID, quoteFrameSize)
	putF32(buf, 8, q.LTP)
	binary.LittleEndian.PutUint16(buf[12:14], q.LastTradeQty)
	var ltt uint32
	if !q.LastTradeTime.IsZero() {
		ltt = uint32(q.LastTradeTime.Unix())
	}
	binary.LittleEndian.PutUint32(buf[14:18], ltt)
	putF32(buf, 18, q.AvgPrice)
	binary.LittleEndian.PutUint32(buf[22:26], q.Volume)
	binary.LittleEndian.PutUint32(buf[26:30], q.TotalSellQty)
	binary.LittleEndian.PutUint32(buf[30:34], q.TotalBuyQty)
	putF32(buf, 34, q.Open)
	putF32(buf, 38, q.Close)
	putF32(buf, 42, q.High)
	putF32(buf, 46, q.Low)
	return buf
}

func TestDecodeTickerScenario(t *testing.T) {
	frame := []byte{2, 0x01, 0x00, 0x00, 0x45, 0x0B, 0x00, 0x00}
	frame = append(frame, make([]byte, 8)...)
	putF32(frame, 8, 2900.50)

	evt, outcome := Decode(frame)
	require.Equal(t, OutcomeDecoded, outcome)
	require.Equal(t, schema.EventTypeTicker, evt.Type)
	require.Equal(t, schema.NewKey(schema.SegmentNSEEquity, 2885), evt.Key)

	payload, ok := evt.Payload.(schema.TickerPayload)
	require.True(t, ok)
	require.Equal(t, 2900.50, payload.LTP)
	require.True(t, payload.LastTradeTime.IsZero())
}

func TestDecodeShortFramesEmitNothing(t *testing.T) {
	for size := 0; size < HeaderSize; size++ {
		evt, outcome := Decode(make([]byte, size))
		require.Equal(t, OutcomeShort, outcome, "size %d", size)
		require.Empty(t, evt.Type)
	}

	minimums := map[byte]int{
		FrameTicker:       tickerFrameSize,
		FrameQuote:        quoteFrameSize,
		FrameOpenInterest: openInterestFrameSize,
		FramePrevClose:    prevCloseFrameSize,
		FrameOptionStrike: optionStrikeFrameSize,
	}
	for frameType, minimum := range minimums {
		for size := HeaderSize; size < minimum; size++ {
			evt, outcome := Decode(header(frameType, schema.SegmentNSEEquity, 1, size))
			require.Equal(t, OutcomeShort, outcome, "type %d size %d", frameType, size)
			require.Empty(t, evt.Type)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	evt, outcome := Decode(header(50, schema.SegmentNSEFNO, 42, 16))
	require.Equal(t, OutcomeUnknown, outcome)
	require.Empty(t, evt.Type)
	require.Equal(t, uint32(42), evt.Key.SecurityID)
}

func TestDecodeRejectsNonFinitePrices(t *testing.T) {
	frame := tickerFrame(schema.SegmentNSEEquity, 1, 0, 0)
	binary.LittleEndian.PutUint32(frame[8:12], math.Float32bits(float32(math.NaN())))
	_, outcome := Decode(frame)
	require.Equal(t, OutcomeMalformed, outcome)
}

func TestDecodePrevCloseOpenInterestAndStrike(t *testing.T) {
	evt, outcome := Decode(prevCloseFrame(schema.SegmentIndex, 13, 24350.15))
	require.Equal(t, OutcomeDecoded, outcome)
	require.Equal(t, schema.PrevClosePayload{PrevClose: 24350.15}, evt.Payload)

	oi := header(FrameOpenInterest, schema.SegmentNSEFNO, 35001, openInterestFrameSize)
	binary.LittleEndian.PutUint32(oi[8:12], 125000)
	evt, outcome = Decode(oi)
	require.Equal(t, OutcomeDecoded, outcome)
	require.Equal(t, schema.EventTypeOpenInterest, evt.Type)
	require.Equal(t, schema.OpenInterestPayload{OpenInterest: 125000}, evt.Payload)

	evt, outcome = Decode(strikeFrame(schema.SegmentIndex, 13, 24500, 182.35, 97.8))
	require.Equal(t, OutcomeDecoded, outcome)
	require.Equal(t, schema.EventTypeOptionStrike, evt.Type)
	require.Equal(t, schema.OptionStrikePayload{Strike: 24500, CallLTP: 182.35, PutLTP: 97.8}, evt.Payload)
}

func TestDecodeQuoteRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	price := func() float64 {
		return schema.RoundPrice(float64(rng.IntN(5_000_000)) / 100)
	}
	for i := 0; i < 500; i++ {
		in := schema.OHLCQuote{
			Key:           schema.NewKey(schema.SegmentNSEEquity, rng.Uint32()),
			LTP:           price(),
			LastTradeQty:  uint16(rng.IntN(math.MaxUint16)),
			LastTradeTime: time.Unix(int64(rng.IntN(1<<31-1)+1), 0).UTC(),
			AvgPrice:      price(),
			Volume:        rng.Uint32(),
			TotalSellQty:  rng.Uint32(),
			TotalBuyQty:   rng.Uint32(),
			Open:          price(),
			Close:         price(),
			High:          price(),
			Low:           price(),
		}

		first, outcome := Decode(quoteFrame(in))
		require.Equal(t, OutcomeDecoded, outcome)
		decoded, ok := first.Payload.(schema.OHLCQuote)
		require.True(t, ok)

		second, outcome := Decode(quoteFrame(decoded))
		require.Equal(t, OutcomeDecoded, outcome)
		require.Equal(t, decoded, second.Payload)
		require.Equal(t, in.Volume, decoded.Volume)
		require.Equal(t, in.LastTradeTime, decoded.LastTradeTime)
	}
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "decoded", OutcomeDecoded.String())
	require.Equal(t, "outcome_9", Outcome(9).String())
}
