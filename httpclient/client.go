package httpclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Client is a long-lived HTTP client bound to one base URL. It keeps
// connections open across calls, rebuilds them transparently when they
// break, and retries connection failures.
//
// A Client is safe for concurrent use. Create one per downstream service and
// share it:
//
//	client, err := httpclient.New("https://api.example.com",
//	    httpclient.WithName("billing"),
//	    httpclient.WithMaxRetries(2),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	resp, err := client.Post(ctx, "/invoices", nil, invoice)
type Client struct {
	cfg     *internalConfig
	baseURL *url.URL
	headers Header
	exec    *executor
}

// New creates a Client for baseURL, which must be an absolute http or https
// URL. Only its scheme and authority are used; request paths are given per
// call.
//
// The initial transport is opened here, so configuration problems such as an
// unreadable CA file surface immediately.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	host := u.Host
	defaults, err := ValidateHost(NormalizeHeaders(cfg.defaultHeaders), host)
	if err != nil {
		return nil, err
	}

	settings, err := cfg.settings(u.Hostname(), u.Scheme == "https")
	if err != nil {
		return nil, err
	}

	conns, err := newConnectionManager(cfg.transportFactory, settings, cfg.logger, cfg.metrics, cfg.baseAttributes())
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		baseURL: u,
		headers: defaults,
		exec: &executor{
			cfg:       cfg,
			builder:   newRequestBuilder(defaults, host),
			conns:     conns,
			telemetry: newOtelTransport(cfg),
			breaker:   newBreakerGuard(cfg),
			limiter:   newRateLimiter(cfg.rateLimit),
			origin:    u.Scheme + "://" + u.Host,
		},
	}

	cfg.logger.Debug().
		Str("base_url", c.BaseURL()).
		Dur("request_timeout", cfg.requestTimeout).
		Uint("max_retries", cfg.maxRetries).
		Msg("http client initialized")

	return c, nil
}

// parseBaseURL accepts absolute http(s) URLs and strips default ports so the
// host header matches what servers expect.
func parseBaseURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidBaseURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: host is required in %q", ErrInvalidBaseURL, raw)
	}

	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = u.Hostname()
		if strings.Contains(u.Host, ":") {
			u.Host = "[" + u.Host + "]"
		}
	}

	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// =============================================================================
// Calls
// =============================================================================

// Head sends a HEAD request. A key-value payload becomes the query string.
func (c *Client) Head(ctx context.Context, path string, headers map[string]string, params any) (*Response, error) {
	return c.exec.execute(ctx, VerbHead, path, headers, params)
}

// Get sends a GET request. A key-value payload becomes the query string; a
// string payload is appended as an already encoded query.
//
// Example:
//
//	resp, err := client.Get(ctx, "/users", nil, map[string]string{"page": "2"})
func (c *Client) Get(ctx context.Context, path string, headers map[string]string, params any) (*Response, error) {
	return c.exec.execute(ctx, VerbGet, path, headers, params)
}

// Post sends a POST request with payload encoded according to the
// content-type header (JSON when absent).
func (c *Client) Post(ctx context.Context, path string, headers map[string]string, payload any) (*Response, error) {
	return c.exec.execute(ctx, VerbPost, path, headers, payload)
}

// Put sends a PUT request. See Post for body encoding.
func (c *Client) Put(ctx context.Context, path string, headers map[string]string, payload any) (*Response, error) {
	return c.exec.execute(ctx, VerbPut, path, headers, payload)
}

// Patch sends a PATCH request. See Post for body encoding.
func (c *Client) Patch(ctx context.Context, path string, headers map[string]string, payload any) (*Response, error) {
	return c.exec.execute(ctx, VerbPatch, path, headers, payload)
}

// Delete sends a DELETE request. The payload is optional and, when given, is
// sent as a body.
func (c *Client) Delete(ctx context.Context, path string, headers map[string]string, payload any) (*Response, error) {
	return c.exec.execute(ctx, VerbDelete, path, headers, payload)
}

// Do sends a request with an explicit verb.
func (c *Client) Do(
	ctx context.Context,
	verb Verb,
	path string,
	headers map[string]string,
	payload any,
) (*Response, error) {
	return c.exec.execute(ctx, verb, path, headers, payload)
}

// GetJSON sends a GET request and decodes the response body into target.
//
// The Response is returned even when decoding fails, so the caller can
// inspect the status and raw body.
//
// Example:
//
//	var user User
//	if _, err := client.GetJSON(ctx, "/users/1", nil, nil, &user); err != nil {
//	    return err
//	}
func (c *Client) GetJSON(
	ctx context.Context,
	path string,
	headers map[string]string,
	params any,
	target any,
) (*Response, error) {
	if target == nil {
		return nil, ErrNilTarget
	}

	resp, err := c.Get(ctx, path, headers, params)
	if err != nil {
		return nil, err
	}
	if err := resp.JSON(target); err != nil {
		return resp, err
	}
	return resp, nil
}

// Close releases pooled connections. Calls made afterwards fail with
// ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	c.exec.conns.shutdown()
	c.cfg.logger.Debug().Msg("http client closed")
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

// Name returns the client name used in logs and telemetry.
func (c *Client) Name() string {
	return c.cfg.name
}

// BaseURL returns scheme://host[:port] of the client.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// DefaultHeaders returns a copy of the normalized default headers, host
// included.
func (c *Client) DefaultHeaders() Header {
	return c.headers.Clone()
}

// RateLimiterStats returns the state of the client-side rate limiter, or the
// zero value when none is configured.
func (c *Client) RateLimiterStats() RateLimiterStats {
	return c.exec.limiter.stats()
}
