package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

// Build-time errors. These are returned before any network activity and are
// never retried.
var (
	// ErrHeaderConflict is returned when an explicit Host header disagrees
	// with the host of the client's base URL.
	ErrHeaderConflict = errors.New("httpclient: host header conflict")

	// ErrAmbiguousQuery is returned when a HEAD/GET path already carries a
	// query string and a non-empty payload is supplied as well.
	ErrAmbiguousQuery = errors.New("httpclient: querystring must be sent via params or path but not both")

	// ErrUnsupportedPayloadType is returned when a payload cannot be viewed as
	// key-value pairs for a form-encoded request or a query string.
	ErrUnsupportedPayloadType = errors.New("httpclient: unsupported payload type")

	// ErrSerialization is returned when no JSON strategy can encode a payload.
	ErrSerialization = errors.New("httpclient: payload serialization failed")

	// ErrBodyEncoding is matched by every *BodyEncodingError.
	ErrBodyEncoding = errors.New("httpclient: failed to set request body")

	// ErrUnsupportedVerb is returned for HTTP methods outside
	// HEAD/GET/POST/PUT/DELETE/PATCH.
	ErrUnsupportedVerb = errors.New("httpclient: unsupported verb")
)

// Runtime errors.
var (
	// ErrRequestTimeout is matched by every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("httpclient: request timed out")

	// ErrConnectionExhausted is matched by every *ConnectionExhaustedError.
	ErrConnectionExhausted = errors.New("httpclient: connection failed after retries")

	// ErrInvalidJSONResponse is returned by GetJSON when the response body
	// is not valid JSON for the target.
	ErrInvalidJSONResponse = errors.New("httpclient: invalid JSON response")

	// ErrNilTarget is returned by GetJSON when target is nil. Nothing is sent.
	ErrNilTarget = errors.New("httpclient: GetJSON target must not be nil")

	// ErrClientClosed is returned by every call made after Close.
	ErrClientClosed = errors.New("httpclient: client is closed")

	// ErrInvalidBaseURL is returned by New when the base URL is not an
	// absolute http or https URL.
	ErrInvalidBaseURL = errors.New("httpclient: invalid base URL")
)

// =============================================================================
// Typed Errors
// =============================================================================

// BodyEncodingError describes a payload that could not be encoded for the
// negotiated content type.
//
// Example:
//
//	_, err := client.Post(ctx, "/users", nil, make(chan int))
//	var encErr *httpclient.BodyEncodingError
//	if errors.As(err, &encErr) {
//	    fmt.Println(encErr.PayloadType, encErr.ContentType)
//	}
type BodyEncodingError struct {
	// PayloadType is the Go type of the offending payload, e.g. "chan int".
	PayloadType string

	// ContentType is the content type the codec attempted to produce.
	ContentType string

	// Err is the classified cause (ErrSerialization or
	// ErrUnsupportedPayloadType, usually wrapping the encoder error).
	Err error
}

func (e *BodyEncodingError) Error() string {
	return fmt.Sprintf("%s: payload type %s as %q: %v",
		ErrBodyEncoding.Error(), e.PayloadType, e.ContentType, e.Err)
}

func (e *BodyEncodingError) Unwrap() error { return e.Err }

// Is reports whether target is ErrBodyEncoding.
func (e *BodyEncodingError) Is(target error) bool { return target == ErrBodyEncoding }

// RequestTimeoutError is returned when an attempt exceeds the client's
// overall request timeout. It is never retried.
type RequestTimeoutError struct {
	Method  string
	Path    string
	Timeout time.Duration
	Elapsed time.Duration
	Err     error
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s after %s (limit %s): method=%s, path=%s",
		ErrRequestTimeout.Error(), formatDurationMS(e.Elapsed), e.Timeout, e.Method, e.Path)
}

func (e *RequestTimeoutError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRequestTimeout.
func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// ConnectionExhaustedError is returned when every attempt of a logical call
// failed with a connection-class error.
type ConnectionExhaustedError struct {
	Method  string
	Path    string
	Retries uint
	Elapsed time.Duration
	Err     error
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("httpclient: connection failed after %d retries (%s): method=%s, path=%s: %v",
		e.Retries, formatDurationMS(e.Elapsed), e.Method, e.Path, e.Err)
}

func (e *ConnectionExhaustedError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConnectionExhausted.
func (e *ConnectionExhaustedError) Is(target error) bool { return target == ErrConnectionExhausted }

// formatDurationMS renders a duration as milliseconds with two decimals.
func formatDurationMS(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", durationMS(d))
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
