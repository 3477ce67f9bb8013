// Package schema defines the market and order records shared across the gateway.
package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
)

// ExchangeSegment is the broker's numeric exchange segment code.
type ExchangeSegment uint16

const (
	SegmentIndex        ExchangeSegment = 0
	SegmentNSEEquity    ExchangeSegment = 1
	SegmentNSEFNO       ExchangeSegment = 2
	SegmentNSECurrency  ExchangeSegment = 3
	SegmentBSEEquity    ExchangeSegment = 4
	SegmentMCXCommodity ExchangeSegment = 5
	SegmentBSECurrency  ExchangeSegment = 7
	SegmentBSEFNO       ExchangeSegment = 8
)

var segmentNames = map[ExchangeSegment]string{
	SegmentIndex:        "IDX_I",
	SegmentNSEEquity:    "NSE_EQ",
	SegmentNSEFNO:       "NSE_FNO",
	SegmentNSECurrency:  "NSE_CURRENCY",
	SegmentBSEEquity:    "BSE_EQ",
	SegmentMCXCommodity: "MCX_COMM",
	SegmentBSECurrency:  "BSE_CURRENCY",
	SegmentBSEFNO:       "BSE_FNO",
}

var segmentsByName = func() map[string]ExchangeSegment {
	out := make(map[string]ExchangeSegment, len(segmentNames))
	for seg, name := range segmentNames {
		out[name] = seg
	}
	return out
}()

// Valid reports whether the segment is one the broker publishes.
func (s ExchangeSegment) Valid() bool {
	_, ok := segmentNames[s]
	return ok
}

// String returns the broker segment name.
func (s ExchangeSegment) String() string {
	if name, ok := segmentNames[s]; ok {
		return name
	}
	return unknownSegmentPrefix + strconv.Itoa(int(s))
}

// IsIndex reports whether instruments on the segment are indices.
func (s ExchangeSegment) IsIndex() bool { return s == SegmentIndex }

const unknownSegmentPrefix = "SEGMENT_"

// ParseSegment accepts either the broker name (NSE_EQ) or the numeric code (1).
// The SEGMENT_<n> form produced by String for unpublished codes is accepted
// too, so every rendered key parses back.
func ParseSegment(raw string) (ExchangeSegment, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return 0, errs.New("schema/segment", errs.CodeInvalid, errs.WithMessage("exchange segment required"))
	}
	if seg, ok := segmentsByName[trimmed]; ok {
		return seg, nil
	}
	if code, ok := strings.CutPrefix(trimmed, unknownSegmentPrefix); ok {
		n, err := strconv.ParseUint(code, 10, 16)
		if err != nil {
			return 0, errs.New("schema/segment", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown exchange segment %q", raw)))
		}
		return ExchangeSegment(n), nil
	}
	n, err := strconv.ParseUint(trimmed, 10, 16)
	if err != nil || !ExchangeSegment(n).Valid() {
		return 0, errs.New("schema/segment", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown exchange segment %q", raw)))
	}
	return ExchangeSegment(n), nil
}

// InstrumentKey identifies an instrument across the feed, caches and REST calls.
// It encodes as SEGMENT:ID text, in JSON values and object keys alike.
type InstrumentKey struct {
	Segment    ExchangeSegment
	SecurityID uint32
}

// NewKey builds an instrument key.
func NewKey(segment ExchangeSegment, securityID uint32) InstrumentKey {
	return InstrumentKey{Segment: segment, SecurityID: securityID}
}

// String renders the key as SEGMENT:ID.
func (k InstrumentKey) String() string {
	return k.Segment.String() + ":" + strconv.FormatUint(uint64(k.SecurityID), 10)
}

// SecurityIDString returns the security id as the broker expects it in JSON bodies.
func (k InstrumentKey) SecurityIDString() string {
	return strconv.FormatUint(uint64(k.SecurityID), 10)
}

// MarshalText allows keys to be used as JSON object keys.
func (k InstrumentKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the SEGMENT:ID form.
func (k *InstrumentKey) UnmarshalText(text []byte) error {
	parsed, err := ParseInstrumentKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseInstrumentKey parses SEGMENT:ID where SEGMENT is a name or numeric code.
func ParseInstrumentKey(raw string) (InstrumentKey, error) {
	seg, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return InstrumentKey{}, errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("instrument key %q must be SEGMENT:ID", raw)))
	}
	segment, err := ParseSegment(seg)
	if err != nil {
		return InstrumentKey{}, err
	}
	securityID, err := ParseSecurityID(id)
	if err != nil {
		return InstrumentKey{}, err
	}
	return InstrumentKey{Segment: segment, SecurityID: securityID}, nil
}

// ParseSecurityID parses a decimal security id.
func ParseSecurityID(raw string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("invalid security id %q", raw)), errs.WithCause(err))
	}
	return uint32(n), nil
}
