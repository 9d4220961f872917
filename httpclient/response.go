package httpclient

import (
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// Response is the outcome of a successful call: a status was received and
// the body was read in full before the call returned.
//
// Any status counts as success at this level; a 404 or 503 is a Response,
// not an error.
//
// Example:
//
//	resp, err := client.Get(ctx, "/users/1", nil, nil)
//	if err != nil {
//	    return err
//	}
//	if !resp.IsSuccess() {
//	    return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.String())
//	}
type Response struct {
	// StatusCode is the HTTP status code, e.g. 200.
	StatusCode int

	// Status is the status line text, e.g. "200 OK".
	Status string

	// Header holds the response headers.
	Header http.Header

	// Attempts is the number of attempts the call took, 1 when no retry
	// happened.
	Attempts uint

	// Elapsed is the duration of the whole logical call.
	Elapsed time.Duration

	// ConnectionReused reports whether the final attempt ran on a pooled
	// connection.
	ConnectionReused bool

	body []byte
}

// Body returns the response body. It is empty for HEAD requests.
func (r *Response) Body() []byte {
	return r.body
}

// String returns the response body as a string.
func (r *Response) String() string {
	return string(r.body)
}

// JSON decodes the body into target.
func (r *Response) JSON(target any) error {
	if err := json.Unmarshal(r.body, target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSONResponse, err)
	}
	return nil
}

// IsSuccess returns true for 2xx status codes.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true for 4xx and 5xx status codes.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// IsClientError returns true for 4xx status codes.
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError returns true for 5xx status codes.
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500
}
