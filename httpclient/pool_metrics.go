package httpclient

import (
	"net/http"
	"time"
)

// =============================================================================
// Pool Stats Types
// =============================================================================

// PoolStats is a snapshot of the current transport's pool configuration and
// of how often the transport has been replaced.
//
// Example usage:
//
//	stats := client.PoolStats()
//	fmt.Printf("generation %d, %d rebuilds\n", stats.Generation, stats.Rebuilds)
type PoolStats struct {
	// Generation numbers the current transport, starting at 1.
	Generation uint64

	// Rebuilds is the number of times the transport was replaced after a
	// connection failure.
	Rebuilds uint64

	// Closed reports whether Close has been called.
	Closed bool

	// The remaining fields mirror the *http.Transport settings and are zero
	// when a custom TransportFactory returns another type.

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
}

// =============================================================================
// Client Methods
// =============================================================================

// PoolStats returns the current connection pool snapshot.
func (c *Client) PoolStats() PoolStats {
	cm := c.exec.conns
	gen := cm.Generation()

	stats := PoolStats{
		Generation: gen,
		Closed:     cm.closed.Load(),
	}
	if gen > 0 {
		stats.Rebuilds = gen - 1
	}

	h := cm.current.Load()
	if h == nil {
		return stats
	}

	transport := unwrapTransport(h.transport)
	if transport == nil {
		return stats
	}

	stats.MaxIdleConns = transport.MaxIdleConns
	stats.MaxIdleConnsPerHost = transport.MaxIdleConnsPerHost
	stats.MaxConnsPerHost = transport.MaxConnsPerHost
	stats.IdleConnTimeout = transport.IdleConnTimeout
	stats.DisableKeepAlives = transport.DisableKeepAlives
	return stats
}

// =============================================================================
// Internal Utilities
// =============================================================================

// unwrapTransport traverses wrapping transports to find the base
// *http.Transport.
func unwrapTransport(rt http.RoundTripper) *http.Transport {
	for {
		switch t := rt.(type) {
		case *http.Transport:
			return t
		case interface{ Unwrap() http.RoundTripper }:
			rt = t.Unwrap()
		default:
			return nil
		}
	}
}
