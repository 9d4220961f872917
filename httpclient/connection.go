package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Transport is a persistent-connection transport. *http.Transport
// satisfies it.
type Transport interface {
	http.RoundTripper

	// CloseIdleConnections closes pooled connections that are not in use.
	CloseIdleConnections()
}

// TransportSettings is everything a TransportFactory needs to open a
// transport for the client's base URL.
type TransportSettings struct {
	Pool Config

	// ConnectTimeout bounds dialing. Zero means no separate bound.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers. Zero means no
	// separate bound.
	ReadTimeout time.Duration

	// IdleTimeout is how long pooled connections may stay idle.
	IdleTimeout time.Duration

	// TLS is nil for http base URLs.
	TLS *tls.Config

	// Proxy selects a proxy per request. Nil means direct connections.
	Proxy func(*http.Request) (*url.URL, error)
}

// TransportFactory opens a transport. It is called once by New and once per
// rebuild.
type TransportFactory func(TransportSettings) (Transport, error)

// DefaultTransportFactory opens a tuned *http.Transport.
func DefaultTransportFactory(s TransportSettings) (Transport, error) {
	dialer := &net.Dialer{
		Timeout:       s.ConnectTimeout,
		KeepAlive:     s.Pool.KeepAlive,
		FallbackDelay: s.Pool.FallbackDelay,
	}

	return &http.Transport{
		Proxy:                 s.Proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       s.TLS,
		MaxIdleConns:          s.Pool.MaxIdleConns,
		MaxIdleConnsPerHost:   s.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       s.Pool.MaxConnsPerHost,
		IdleConnTimeout:       s.IdleTimeout,
		TLSHandshakeTimeout:   s.Pool.TLSHandshakeTimeout,
		ResponseHeaderTimeout: s.ReadTimeout,
		ExpectContinueTimeout: s.Pool.ExpectContinueTimeout,
		DisableKeepAlives:     s.Pool.DisableKeepAlives,
		DisableCompression:    s.Pool.DisableCompression,
		WriteBufferSize:       s.Pool.WriteBufferSize,
		ReadBufferSize:        s.Pool.ReadBufferSize,
		ForceAttemptHTTP2:     s.Pool.ForceHTTP2,
	}, nil
}

// transportHandle is one opened transport. A retired handle may still finish
// requests already in flight but is never handed out again.
type transportHandle struct {
	generation uint64
	transport  Transport
	retired    atomic.Bool
}

// retire closes the handle's idle connections once.
func (h *transportHandle) retire() {
	if h.retired.CompareAndSwap(false, true) {
		h.transport.CloseIdleConnections()
	}
}

// connectionManager owns the client's current transport handle.
//
// acquire is lock-free. rebuild and shutdown are serialized by mu, and
// rebuild compares the caller's stale handle against the current one so
// that concurrent failures on the same handle open a single replacement.
type connectionManager struct {
	factory  TransportFactory
	settings TransportSettings
	logger   zerolog.Logger
	metrics  *metrics
	attrs    []attribute.KeyValue

	mu         sync.Mutex
	current    atomic.Pointer[transportHandle]
	generation atomic.Uint64
	closed     atomic.Bool
}

func newConnectionManager(
	factory TransportFactory,
	settings TransportSettings,
	logger zerolog.Logger,
	m *metrics,
	attrs []attribute.KeyValue,
) (*connectionManager, error) {
	cm := &connectionManager{
		factory:  factory,
		settings: settings,
		logger:   logger,
		metrics:  m,
		attrs:    attrs,
	}

	h, err := cm.open()
	if err != nil {
		return nil, err
	}
	cm.current.Store(h)
	return cm, nil
}

// open asks the factory for a fresh transport.
func (cm *connectionManager) open() (*transportHandle, error) {
	t, err := cm.factory(cm.settings)
	if err != nil {
		return nil, fmt.Errorf("httpclient: open transport: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("httpclient: open transport: factory returned nil")
	}
	return &transportHandle{
		generation: cm.generation.Add(1),
		transport:  t,
	}, nil
}

// acquire returns the current handle.
func (cm *connectionManager) acquire() (*transportHandle, error) {
	if cm.closed.Load() {
		return nil, ErrClientClosed
	}
	h := cm.current.Load()
	if h == nil {
		return nil, ErrClientClosed
	}
	return h, nil
}

// rebuild replaces stale with a freshly opened handle. When another caller
// has already replaced it, the current handle is returned as is.
func (cm *connectionManager) rebuild(stale *transportHandle) (*transportHandle, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed.Load() {
		return nil, ErrClientClosed
	}

	cur := cm.current.Load()
	if cur != stale {
		return cur, nil
	}

	fresh, err := cm.open()
	if err != nil {
		return nil, err
	}
	cm.current.Store(fresh)
	stale.retire()

	cm.metrics.recordRebuild(context.Background(), cm.attrs)
	cm.logger.Debug().
		Uint64("generation", fresh.generation).
		Uint64("retired_generation", stale.generation).
		Msg("rebuilt connection")

	return fresh, nil
}

// shutdown retires the current handle and refuses further acquires. It is
// safe to call more than once.
func (cm *connectionManager) shutdown() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed.Swap(true) {
		return
	}
	if h := cm.current.Load(); h != nil {
		h.retire()
	}
}

// Generation counts the handles opened so far. It is 1 right after New.
func (cm *connectionManager) Generation() uint64 {
	return cm.generation.Load()
}
