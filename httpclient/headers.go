package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// Header is a normalized header set: keys are lowercase and unique.
//
// Header is the form every header map takes inside the client. Default
// headers, per-call headers, and the headers stamped by the body codec are
// all merged as Header values before being copied onto the wire request.
type Header map[string]string

// Header names used by the request pipeline.
const (
	headerHost          = "host"
	headerContentType   = "content-type"
	headerContentLength = "content-length"
	headerUserAgent     = "user-agent"
)

// NormalizeHeaders lowercases every key of h.
//
// When several keys fold to the same lowercase name, the key that sorts last
// (byte-wise) wins, so "X-Id" overrides "x-id" deterministically. A nil input
// yields an empty, non-nil Header.
//
// Example:
//
//	h := httpclient.NormalizeHeaders(map[string]string{"Content-Type": "text/plain"})
//	h["content-type"] // "text/plain"
func NormalizeHeaders(h map[string]string) Header {
	out := make(Header, len(h))
	if len(h) == 0 {
		return out
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		out[strings.ToLower(k)] = h[k]
	}
	return out
}

// MergeHeaders returns a new Header holding defaults overlaid by overrides.
// Neither input is modified.
func MergeHeaders(defaults, overrides Header) Header {
	out := make(Header, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ValidateHost checks the host entry of h against expectedHost, an authority
// that may carry a port.
//
// An explicit host must equal expectedHost or its bare hostname (compared
// case-insensitively); anything else fails with ErrHeaderConflict. The
// returned host entry is always expectedHost, so the port survives on the
// wire. The returned Header is a copy; h is not modified.
func ValidateHost(h Header, expectedHost string) (Header, error) {
	out := h.Clone()

	if host, ok := out[headerHost]; ok && !hostMatches(host, expectedHost) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHeaderConflict, expectedHost, host)
	}

	out[headerHost] = expectedHost
	return out, nil
}

func hostMatches(host, authority string) bool {
	if strings.EqualFold(host, authority) {
		return true
	}
	hostname, _, err := net.SplitHostPort(authority)
	return err == nil && strings.EqualFold(host, hostname)
}

// Clone returns a copy of h. Cloning a nil Header yields an empty one.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Get returns the value stored under the lowercase form of key.
func (h Header) Get(key string) string {
	return h[strings.ToLower(key)]
}

// Has reports whether the lowercase form of key is present.
func (h Header) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// apply copies h onto an outgoing http.Request. The host entry is carried by
// req.Host since net/http ignores a Host header in req.Header.
func (h Header) apply(req *http.Request) {
	for k, v := range h {
		switch k {
		case headerHost:
			req.Host = v
		case headerContentLength:
			// net/http derives the wire value from req.ContentLength.
		default:
			req.Header.Set(k, v)
		}
	}
}
