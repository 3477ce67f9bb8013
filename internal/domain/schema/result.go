package schema

import (
	"errors"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
)

// Source identifies where a result's data came from.
type Source string

const (
	SourceFeed  Source = "feed"
	SourceCache Source = "cache"
	SourceREST  Source = "rest"
	SourceMock  Source = "mock"
)

// Result is the {success, data|error} envelope returned at the core boundary.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Stale   bool   `json:"stale,omitempty"`
	Source  Source `json:"source,omitempty"`
}

// OK wraps data in a successful result.
func OK[T any](data T, source Source) Result[T] {
	return Result[T]{Success: true, Data: data, Source: source}
}

// Fail converts an error into a failed result, keeping the structured reason when present.
func Fail[T any](err error) Result[T] {
	out := Result[T]{Success: false}
	if err == nil {
		out.Error = "unknown error"
		return out
	}
	var e *errs.E
	if errors.As(err, &e) {
		out.Error = e.Reason()
		out.Code = string(e.Code)
		return out
	}
	out.Error = err.Error()
	return out
}
