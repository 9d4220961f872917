package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// outcome is the class of one attempt's result.
type outcome int

const (
	// outcomeSuccess: a response was received and its body fully read.
	outcomeSuccess outcome = iota

	// outcomeConnection: the connection failed in a way a fresh connection
	// may fix. The attempt is retried after a rebuild.
	outcomeConnection

	// outcomeDeadline: the per-attempt request timeout fired. Never retried.
	outcomeDeadline

	// outcomeOther: anything else, returned to the caller unchanged.
	outcomeOther
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeConnection:
		return "connection"
	case outcomeDeadline:
		return "deadline"
	default:
		return "other"
	}
}

// classifyOutcome decides how the executor reacts to err.
//
// parent is the caller's context and attempt the per-attempt context derived
// from it. The order of checks matters: caller cancellation wins over the
// attempt deadline, and the attempt deadline wins over transport timeouts,
// since context.DeadlineExceeded itself reports Timeout() == true.
func classifyOutcome(parent, attempt context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}

	if parent.Err() != nil {
		return outcomeOther
	}

	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return outcomeDeadline
	}

	if IsConnectionError(err) {
		return outcomeConnection
	}
	return outcomeOther
}

// IsConnectionError reports whether err is a connection-class failure:
// reset, aborted, refused, broken pipe, premature EOF, a pooled connection
// closed by the server, or a transport-level connect or read timeout.
//
// Certificate errors and unknown hosts are never connection-class; a new
// connection would fail the same way.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isPermanentError(err) {
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	// Dial timeouts and ResponseHeaderTimeout.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return containsConnectionPattern(err)
}

// containsConnectionPattern is a fallback for errors that lost their type on
// the way up, such as the transport's "server closed idle connection".
func containsConnectionPattern(err error) bool {
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"server closed idle connection",
		"connection reset",
		"connection refused",
		"broken pipe",
		"use of closed network connection",
		"timeout awaiting response headers",
		"unexpected eof",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// isPermanentError returns true for errors a fresh connection will not fix.
func isPermanentError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"x509:", "certificate", "permission denied"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
