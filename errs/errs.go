// Package errs provides the structured error envelope shared by the gateway layers.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure category of a broker interaction.
type Code string

const (
	// CodeRateLimited indicates the broker throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates rejected or missing broker credentials.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeBroker indicates a broker-reported business failure.
	CodeBroker Code = "broker_error"
	// CodeNetwork indicates a transport failure talking to the broker.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeProtocol indicates a malformed frame or payload.
	CodeProtocol Code = "protocol"
	// CodeConfig indicates missing or invalid configuration.
	CodeConfig Code = "config"
)

// CanonicalCode captures broker-agnostic business failure reasons.
type CanonicalCode string

const (
	CanonicalUnknown            CanonicalCode = "unknown"
	CanonicalOrderRejected      CanonicalCode = "order_rejected"
	CanonicalOrderNotFound      CanonicalCode = "order_not_found"
	CanonicalSymbolUnsupported  CanonicalCode = "symbol_unsupported"
	CanonicalRateLimited        CanonicalCode = "rate_limited"
	CanonicalCredentialsMissing CanonicalCode = "credentials_missing"
	CanonicalForbidden          CanonicalCode = "forbidden"
)

// E is the structured error produced across the gateway.
type E struct {
	Broker        string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string
	Remediation   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the broker and error code.
func New(broker string, code Code, opts ...Option) *E {
	e := &E{
		Broker:    strings.TrimSpace(broker),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical failure reason.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 8)

	broker := e.Broker
	if broker == "" {
		broker = "unknown"
	}
	parts = append(parts, "broker="+broker)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && e.Canonical != CanonicalUnknown {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Reason returns the most specific human-readable description available.
func (e *E) Reason() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "":
		return e.Message
	case e.RawMsg != "":
		return e.RawMsg
	case e.cause != nil:
		return e.cause.Error()
	default:
		return string(e.Code)
	}
}

// CodeOf extracts the Code from the first *E in the chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// CodeForStatus maps an HTTP status returned by the broker to a Code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status >= 400 && status < 500:
		return CodeInvalid
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return CodeUnavailable
	default:
		return CodeBroker
	}
}

// IsBusiness reports whether the failure was reported by the broker itself
// rather than caused by transport trouble. A failure envelope delivered with a
// success status carries no HTTP code and is classified by its code alone.
func IsBusiness(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	if e.HTTP != 0 {
		return e.HTTP >= 400 && e.HTTP < 500
	}
	switch e.Code {
	case CodeBroker, CodeInvalid, CodeRateLimited:
		return true
	default:
		return false
	}
}
