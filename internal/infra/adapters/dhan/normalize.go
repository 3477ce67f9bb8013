package dhan

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
)

// envelope is the optional wrapper some endpoints put around their payload.
type envelope struct {
	Status  string          `json:"status"`
	Remarks json.RawMessage `json:"remarks"`
	Data    json.RawMessage `json:"data"`
}

// unwrap strips an optional {"status":..,"data":..} wrapper. Bare arrays and
// objects without a data key are returned unchanged. A wrapper whose status
// is "failure" becomes a broker error.
func unwrap(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("empty response body"))
	}
	if trimmed[0] != '{' {
		return json.RawMessage(trimmed), nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("decode response envelope"), errs.WithCause(err))
	}
	_, hasData := probe["data"]
	_, hasStatus := probe["status"]
	if !hasData && !hasStatus {
		return json.RawMessage(trimmed), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("decode response envelope"), errs.WithCause(err))
	}
	if strings.EqualFold(strings.TrimSpace(env.Status), "failure") {
		return nil, errs.New(Name, errs.CodeBroker,
			errs.WithMessage("broker reported failure"),
			errs.WithRawMessage(strings.TrimSpace(string(env.Remarks))))
	}
	if !hasData {
		return json.RawMessage(trimmed), nil
	}
	return env.Data, nil
}

// decodeList accepts a bare array, {data:[...]}, or a single object and
// always yields a slice.
func decodeList[T any](body []byte) ([]T, error) {
	payload, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []T{}, nil
	}
	if payload[0] == '[' {
		var out []T
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("decode list payload"), errs.WithCause(err))
		}
		if out == nil {
			out = []T{}
		}
		return out, nil
	}
	var single T
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("decode object payload"), errs.WithCause(err))
	}
	return []T{single}, nil
}

// decodeObject accepts {data:{...}}, a bare object, or a one-element array.
func decodeObject[T any](body []byte) (T, error) {
	var zero T
	items, err := decodeList[T](body)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, errs.New(Name, errs.CodeNotFound, errs.WithMessage("empty response payload"))
	}
	return items[0], nil
}

// brokerError is the error body returned on non-2xx responses.
type brokerError struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func errorFromResponse(status int, endpoint string, body []byte) *errs.E {
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithVenueField("endpoint", endpoint),
	}
	var be brokerError
	if err := json.Unmarshal(body, &be); err == nil && (be.ErrorCode != "" || be.ErrorMessage != "") {
		opts = append(opts,
			errs.WithRawCode(be.ErrorCode),
			errs.WithRawMessage(be.ErrorMessage),
			errs.WithMessage(be.ErrorMessage))
		if be.ErrorType != "" {
			opts = append(opts, errs.WithVenueField("error_type", be.ErrorType))
		}
	} else {
		opts = append(opts, errs.WithRawMessage(strings.TrimSpace(string(body))),
			errs.WithMessage(fmt.Sprintf("broker returned status %d", status)))
	}
	code := errs.CodeForStatus(status)
	if code == errs.CodeRateLimited {
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
	}
	return errs.New(Name, code, opts...)
}
