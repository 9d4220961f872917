package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Verb is an HTTP method supported by the client.
type Verb string

// Supported verbs.
const (
	VerbHead   Verb = http.MethodHead
	VerbGet    Verb = http.MethodGet
	VerbPost   Verb = http.MethodPost
	VerbPut    Verb = http.MethodPut
	VerbDelete Verb = http.MethodDelete
	VerbPatch  Verb = http.MethodPatch
)

// ParseVerb maps a method name, in any case, to a Verb.
func ParseVerb(method string) (Verb, error) {
	v := Verb(strings.ToUpper(strings.TrimSpace(method)))
	if !v.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVerb, method)
	}
	return v, nil
}

func (v Verb) valid() bool {
	switch v {
	case VerbHead, VerbGet, VerbPost, VerbPut, VerbDelete, VerbPatch:
		return true
	default:
		return false
	}
}

// carriesQuery reports whether the payload of v travels in the query string.
func (v Verb) carriesQuery() bool {
	return v == VerbHead || v == VerbGet
}

// OutgoingRequest is a fully built request, ready to be sent any number of
// times. Every attempt of a logical call produces a fresh *http.Request from
// the same bytes, so the payload is encoded exactly once.
type OutgoingRequest struct {
	Verb Verb

	// Path is the request target relative to the base URL, including any
	// query string.
	Path string

	// Header holds the final normalized headers, host included.
	Header Header

	// Body is nil when the request carries no body.
	Body []byte

	// ContentLength is set only when Body is non-nil.
	ContentLength int64

	// ContentTypeFallback is set when the declared content type was not
	// recognized and the body was encoded as JSON.
	ContentTypeFallback bool
}

// requestBuilder turns a verb, path, headers and payload into an
// OutgoingRequest. It is immutable and shared by all calls of a Client.
type requestBuilder struct {
	defaults Header
	host     string
}

func newRequestBuilder(defaults Header, host string) *requestBuilder {
	return &requestBuilder{defaults: defaults, host: host}
}

// build validates and normalizes one call. It performs no network activity.
func (b *requestBuilder) build(
	verb Verb,
	path string,
	headers map[string]string,
	payload any,
) (*OutgoingRequest, error) {
	if !verb.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVerb, string(verb))
	}

	h, err := ValidateHost(MergeHeaders(b.defaults, NormalizeHeaders(headers)), b.host)
	if err != nil {
		return nil, err
	}

	out := &OutgoingRequest{Verb: verb, Path: path, Header: h}

	if verb.carriesQuery() {
		out.Path, err = withQuery(path, payload)
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	body, err := encodeBody(payload, h)
	if err != nil {
		return nil, err
	}
	if body.contentType != "" {
		h[headerContentType] = body.contentType
	}
	out.ContentTypeFallback = body.fallback

	if body.data != nil {
		out.Body = body.data
		out.ContentLength = int64(len(body.data))
		if declared, ok := h[headerContentLength]; ok {
			if n, perr := strconv.ParseInt(strings.TrimSpace(declared), 10, 64); perr == nil {
				out.ContentLength = n
			}
		} else {
			h[headerContentLength] = strconv.Itoa(len(body.data))
		}
	}

	return out, nil
}

// withQuery appends a HEAD/GET payload to path.
func withQuery(path string, payload any) (string, error) {
	if isEmptyPayload(payload) {
		return path, nil
	}
	if strings.Contains(path, "?") {
		return "", ErrAmbiguousQuery
	}

	if raw, ok := rawBytes(payload); ok {
		return path + "?" + strings.TrimPrefix(string(raw), "?"), nil
	}

	values, ok := keyValues(payload)
	if !ok {
		return "", fmt.Errorf("%w: query parameters must be key-value pairs, got %T",
			ErrUnsupportedPayloadType, payload)
	}
	return path + "?" + values.Encode(), nil
}

// toHTTP produces a fresh *http.Request for one attempt against origin
// (scheme://host[:port]).
func (r *OutgoingRequest) toHTTP(ctx context.Context, origin string) (*http.Request, error) {
	target := r.Path
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	var req *http.Request
	var err error
	if r.Body != nil {
		req, err = http.NewRequestWithContext(ctx, string(r.Verb), origin+target, bytes.NewReader(r.Body))
	} else {
		req, err = http.NewRequestWithContext(ctx, string(r.Verb), origin+target, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("httpclient: build %s %s: %w", r.Verb, r.Path, err)
	}

	if r.Body != nil {
		req.ContentLength = r.ContentLength
	}
	r.Header.apply(req)
	return req, nil
}
