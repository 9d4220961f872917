package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Compile-time interface check.
var _ http.RoundTripper = roundTripperFunc(nil)

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// otelTransport instruments one attempt with a client span and metrics.
// It wraps whatever transport the current handle holds, so it is created
// once per client and given the next hop on every call.
type otelTransport struct {
	cfg        *internalConfig
	propagator propagation.TextMapPropagator
}

func newOtelTransport(cfg *internalConfig) *otelTransport {
	return &otelTransport{cfg: cfg, propagator: cfg.propagators}
}

// roundTrip sends req through next inside an "HTTP {method}" span. nt, when
// non-nil, must already be attached to req's context.
func (t *otelTransport) roundTrip(
	next http.RoundTripper,
	req *http.Request,
	nt *networkTrace,
	attempt uint,
) (*http.Response, error) {
	start := time.Now()

	ctx, span := t.cfg.tracer.Start(req.Context(), "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.requestAttributes(req, attempt)...),
	)
	defer span.End()

	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	baseAttrs := t.cfg.baseAttributes()
	t.cfg.metrics.recordActiveRequestStart(ctx, baseAttrs)
	defer t.cfg.metrics.recordActiveRequestEnd(ctx, baseAttrs)

	if req.ContentLength > 0 {
		t.cfg.metrics.recordRequestBodySize(ctx, req.ContentLength, baseAttrs)
	}

	resp, err := next.RoundTrip(req.WithContext(ctx))
	duration := time.Since(start)

	if nt != nil && t.cfg.enableNetworkTrace {
		nt.addTraceEvents(span)
		nt.recordTimingMetrics(ctx, t.cfg.metrics, baseAttrs)
	}

	if err != nil {
		errType := errorType(err)
		setSpanError(span, err, errType)
		t.cfg.metrics.recordError(ctx, errType, baseAttrs)
		t.cfg.metrics.recordRequestDuration(ctx, duration, t.metricsAttributes(req, nil, errType))
		return nil, err
	}

	span.SetAttributes(t.responseAttributes(resp)...)
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.SetAttributes(attribute.String("error.type", errorTypeFromStatusCode(resp.StatusCode)))
	}

	t.cfg.metrics.recordRequestDuration(ctx, duration, t.metricsAttributes(req, resp, ""))
	return resp, nil
}

// requestAttributes returns span attributes for the request.
func (t *otelTransport) requestAttributes(req *http.Request, attempt uint) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 10)
	attrs = append(attrs, t.cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", req.Method),
		attribute.Int("http.request.resend_count", int(attempt)-1),
	)

	if req.URL != nil {
		attrs = append(attrs,
			attribute.String("url.full", req.URL.String()),
			attribute.String("url.scheme", req.URL.Scheme),
		)
		attrs = append(attrs, serverAttributes(req)...)
	}

	if req.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", req.ContentLength))
	}
	if ua := req.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// responseAttributes returns span attributes for the response.
func (t *otelTransport) responseAttributes(resp *http.Response) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.response.body.size", resp.ContentLength))
	}

	if resp.Proto != "" {
		// "HTTP/1.1" -> "1.1", "HTTP/2.0" -> "2"
		version := resp.Proto
		if len(version) > 5 && version[:5] == "HTTP/" {
			version = version[5:]
		}
		if version == "2.0" {
			version = "2"
		}
		attrs = append(attrs, attribute.String("network.protocol.version", version))
	}
	return attrs
}

// metricsAttributes returns attributes for the duration histogram. resp is
// nil for failed attempts.
func (t *otelTransport) metricsAttributes(
	req *http.Request,
	resp *http.Response,
	errType string,
) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, t.cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method))
	if req.URL != nil {
		attrs = append(attrs, serverAttributes(req)...)
	}

	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= 400 {
			errType = errorTypeFromStatusCode(resp.StatusCode)
		}
	}
	if errType != "" {
		attrs = append(attrs, attribute.String("error.type", errType))
	}
	return attrs
}

// serverAttributes returns server.address and server.port, defaulting the
// port from the scheme.
func serverAttributes(req *http.Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if host := req.URL.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}

	if port := req.URL.Port(); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			attrs = append(attrs, attribute.Int("server.port", p))
		}
		return attrs
	}

	switch req.URL.Scheme {
	case "http":
		attrs = append(attrs, attribute.Int("server.port", 80))
	case "https":
		attrs = append(attrs, attribute.Int("server.port", 443))
	}
	return attrs
}
