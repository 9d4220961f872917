package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeEOF               = "eof"
	ErrorTypeBreakerOpen       = "breaker_open"
	ErrorTypeRateLimited       = "rate_limited"
	ErrorTypeUnknown           = "unknown"
)

// networkTrace holds timing data collected from httptrace.ClientTrace for
// one attempt. Hooks may fire from transport goroutines, so access is
// guarded by mu.
type networkTrace struct {
	mu sync.Mutex

	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time

	gotConnTime       time.Time
	wroteRequestTime  time.Time
	firstResponseTime time.Time

	connReused  bool
	connIdle    bool
	connIdleFor time.Duration
	connRemote  string
	protocolVer string

	dnsAddrs []string
}

// clientTrace returns hooks that populate nt.
func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.gotConnTime = time.Now()
			nt.connReused = info.Reused
			nt.connIdle = info.WasIdle
			nt.connIdleFor = info.IdleTime
			if info.Conn != nil {
				if addr := info.Conn.RemoteAddr(); addr != nil {
					nt.connRemote = addr.String()
				}
			}
		},
		DNSStart: func(_ httptrace.DNSStartInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.dnsStart = time.Now()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.dnsDone = time.Now()
			nt.dnsAddrs = make([]string, 0, len(info.Addrs))
			for _, addr := range info.Addrs {
				nt.dnsAddrs = append(nt.dnsAddrs, addr.String())
			}
		},
		ConnectStart: func(_, _ string) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.connectStart = time.Now()
		},
		ConnectDone: func(_, _ string, _ error) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.connectDone = time.Now()
		},
		TLSHandshakeStart: func() {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.tlsStart = time.Now()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.tlsDone = time.Now()
			nt.protocolVer = state.NegotiatedProtocol
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.wroteRequestTime = time.Now()
		},
		GotFirstResponseByte: func() {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.firstResponseTime = time.Now()
		},
	}
}

// reused reports whether the attempt ran on a pooled connection.
func (nt *networkTrace) reused() bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.connReused
}

// addTraceEvents adds span events for network timing.
func (nt *networkTrace) addTraceEvents(span trace.Span) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if !nt.dnsStart.IsZero() && !nt.dnsDone.IsZero() {
		span.AddEvent("dns.done", trace.WithTimestamp(nt.dnsDone),
			trace.WithAttributes(
				attribute.Float64("dns.duration_ms", durationMS(nt.dnsDone.Sub(nt.dnsStart))),
				attribute.StringSlice("dns.addresses", nt.dnsAddrs),
			))
	}

	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connectDone),
			trace.WithAttributes(
				attribute.Float64("connect.duration_ms", durationMS(nt.connectDone.Sub(nt.connectStart))),
			))
	}

	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tlsDone),
			trace.WithAttributes(
				attribute.Float64("tls.duration_ms", durationMS(nt.tlsDone.Sub(nt.tlsStart))),
				attribute.String("tls.protocol", nt.protocolVer),
			))
	}

	if !nt.gotConnTime.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConnTime),
			trace.WithAttributes(
				attribute.Bool("connection.reused", nt.connReused),
				attribute.Bool("connection.was_idle", nt.connIdle),
				attribute.Float64("connection.idle_ms", durationMS(nt.connIdleFor)),
				attribute.String("network.peer.address", nt.connRemote),
			))
	}

	if !nt.firstResponseTime.IsZero() {
		var ttfb float64
		if !nt.wroteRequestTime.IsZero() {
			ttfb = durationMS(nt.firstResponseTime.Sub(nt.wroteRequestTime))
		}
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(nt.firstResponseTime),
			trace.WithAttributes(attribute.Float64("ttfb_ms", ttfb)))
	}
}

// recordTimingMetrics records network timing metrics.
func (nt *networkTrace) recordTimingMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if nt.connReused {
		m.recordReusedConnection(ctx, attrs)
	}
	if !nt.dnsStart.IsZero() && !nt.dnsDone.IsZero() {
		m.recordDNSDuration(ctx, nt.dnsDone.Sub(nt.dnsStart), attrs)
	}
	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		m.recordConnectionDuration(ctx, nt.connectDone.Sub(nt.connectStart), attrs)
	}
	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		m.recordTLSDuration(ctx, nt.tlsDone.Sub(nt.tlsStart), attrs)
	}
	if !nt.wroteRequestTime.IsZero() && !nt.firstResponseTime.IsZero() {
		m.recordTTFB(ctx, nt.firstResponseTime.Sub(nt.wroteRequestTime), attrs)
	}
}

// errorType returns an error.type classification for err.
func errorType(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrRequestTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, ErrBreakerOpen):
		return ErrorTypeBreakerOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ErrorTypeTLSError
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorTypeConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ErrorTypeConnectionReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrorTypeEOF
	}

	// Fallback for wrapped errors that lost their type.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(msg, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(msg, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(msg, "x509") || strings.Contains(msg, "certificate") || strings.Contains(msg, "tls"):
		return ErrorTypeTLSError
	case strings.Contains(msg, "eof"):
		return ErrorTypeEOF
	}

	return ErrorTypeUnknown
}

// errorTypeFromStatusCode returns error.type for HTTP status codes.
// Per OTel semconv, the status code itself is used for 4xx/5xx.
func errorTypeFromStatusCode(statusCode int) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	return ""
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errType != "" {
		span.SetAttributes(attribute.String("error.type", errType))
	}
}
