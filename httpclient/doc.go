// Package httpclient provides a persistent-connection HTTP client bound to a
// single base URL.
//
// A Client keeps its transport open across calls. When an attempt fails at
// the connection level (refused, reset, broken pipe, unexpected EOF) the
// transport is rebuilt and the same request is resubmitted, up to
// MaxRetries times. Timeouts, cancellations and encoding errors are never
// retried, and any received HTTP status is returned as a Response.
//
// # Quick Start
//
//	client, err := httpclient.New("https://api.example.com",
//	    httpclient.WithName("billing"),
//	    httpclient.WithRequestTimeout(10*time.Second),
//	    httpclient.WithMaxRetries(2),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Key-value payloads of GET and HEAD become the query string.
//	resp, err := client.Get(ctx, "/invoices", nil, map[string]string{"status": "open"})
//
//	// Bodies are JSON unless the content-type says otherwise.
//	resp, err = client.Post(ctx, "/invoices", nil, invoice)
//
//	// Form encoding.
//	resp, err = client.Post(ctx, "/login",
//	    map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
//	    url.Values{"user": {"ada"}},
//	)
//
// # Headers
//
// Header names are lowercased. Per-call headers override the client's
// defaults, and the host header is always the base URL's host; a conflicting
// value fails with ErrHeaderConflict.
//
// # Configuration Presets
//
//	client, err := httpclient.New(baseURL,
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	)
//
// Loosely typed tuning, for example from a config file, goes through
// WithTransportOptions. Keys outside TransportOptionKeys are logged and
// ignored.
//
// # Resilience
//
// An optional circuit breaker (gobreaker, shareable through Redis with
// NewRedisStore) and a client-side rate limiter sit outside the transport,
// so rebuilds do not reset them:
//
//	client, err := httpclient.New(baseURL,
//	    httpclient.WithBreakerConfig(httpclient.DefaultBreakerConfig()),
//	    httpclient.WithRateLimit(httpclient.DefaultRateLimitConfig()),
//	)
//
// # Observability
//
// Every attempt gets an OpenTelemetry span carrying
// http.request.resend_count. Metrics include:
//   - http.client.request.duration (histogram, per attempt)
//   - http.client.call.duration (histogram, per logical call)
//   - http.client.connection.rebuilds (counter)
//   - http.client.retry.attempts and http.client.retry.exhausted (counters)
//   - http.client.dns.duration, http.client.tls.duration, http.client.ttfb
//
// Logs are zerolog events carrying client, call_id, method and path. At
// trace level each attempt is also logged as an equivalent cURL command with
// credentials masked.
//
// # Testing
//
// MockTransport scripts outcomes per attempt and counts transport opens:
//
//	mock := httpclient.NewMockTransport().
//	    QueueError(syscall.ECONNRESET).
//	    StubResponse(http.StatusOK, "ok")
//	client, _ := httpclient.New("http://api.test", httpclient.WithMockTransport(mock))
package httpclient
