package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// ErrBreakerOpen is returned when the circuit breaker rejects an attempt.
// It is never retried.
var ErrBreakerOpen = gobreaker.ErrOpenState

// NewRedisStore creates a SharedDataStore backed by Redis so that every
// process using the same breaker name shares one breaker state.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker is the subset of gobreaker used to guard an attempt.
// Both gobreaker.CircuitBreaker and gobreaker.DistributedCircuitBreaker
// satisfy it.
type CircuitBreaker interface {
	Execute(req func() (*http.Response, error)) (*http.Response, error)
}

// BreakerClassifier decides whether an attempt counts as a failure towards
// tripping the breaker.
type BreakerClassifier func(resp *http.Response, err error) bool

// BreakerConfig holds the configuration for the circuit breaker.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	// If 0, one probe is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the failure
	// ratio is considered.
	FailureThreshold uint32

	// FailureRatio (0.0 - 1.0) trips the breaker once reached.
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after that many failures in a
	// row. If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Store makes the breaker distributed. If nil, state is local.
	Store gobreaker.SharedDataStore

	// Classifier determines which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is invoked when the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker configuration:
//   - Interval: 10s
//   - Timeout: 10s
//   - FailureThreshold: 20
//   - FailureRatio: 0.5
//   - ConsecutiveFailures: 5
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts connection-class errors and 5xx responses
// as failures. Caller cancellation and 4xx responses do not count.
func DefaultBreakerClassifier(resp *http.Response, err error) bool {
	if err != nil {
		return IsConnectionError(err)
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

// errSyntheticFailure tells the breaker that an attempt failed even though
// RoundTrip returned a response. It never reaches the caller.
var errSyntheticFailure = errors.New("synthetic failure")

// breakerGuard runs attempts through a circuit breaker. It lives on the
// client, outside the transport handle, so rebuilds do not reset its state.
type breakerGuard struct {
	breaker    CircuitBreaker
	classifier BreakerClassifier
	metrics    *metrics
	name       string
}

// newBreakerGuard returns nil when no breaker is configured.
func newBreakerGuard(cfg *internalConfig) *breakerGuard {
	if cfg.breakerConfig == nil {
		return nil
	}
	bc := *cfg.breakerConfig
	if bc.Classifier == nil {
		bc.Classifier = DefaultBreakerClassifier
	}

	st := gobreaker.Settings{
		Name:        cfg.name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: readyToTrip(bc),
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.metrics.recordBreakerState(context.Background(), name, int64(to))
			cfg.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	var cb CircuitBreaker = gobreaker.NewCircuitBreaker[*http.Response](st)
	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](bc.Store, st)
		if err != nil {
			// Local protection is kept when the shared store is unusable.
			cfg.logger.Warn().Err(err).Msg("distributed circuit breaker unavailable, using local state")
		} else {
			cb = dcb
		}
	}

	return &breakerGuard{
		breaker:    cb,
		classifier: bc.Classifier,
		metrics:    cfg.metrics,
		name:       cfg.name,
	}
}

func readyToTrip(bc BreakerConfig) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
			return true
		}
		if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
			return false
		}
		if bc.FailureRatio > 0 && counts.Requests > 0 {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bc.FailureRatio
		}
		return false
	}
}

// roundTrip sends req through next under the breaker.
func (g *breakerGuard) roundTrip(next http.RoundTripper, req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := g.breaker.Execute(func() (*http.Response, error) {
		resp, err := next.RoundTrip(req) //nolint:bodyclose // returned to the caller
		if g.classifier(resp, err) {
			if err != nil {
				return resp, err
			}
			return resp, errSyntheticFailure
		}
		return resp, err
	})

	switch {
	case err == nil:
		g.metrics.recordBreakerRequest(ctx, g.name, "success")
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.recordBreakerRequest(ctx, g.name, "rejected")
		return nil, err
	case errors.Is(err, errSyntheticFailure):
		g.metrics.recordBreakerRequest(ctx, g.name, "failure")
		return resp, nil
	default:
		g.metrics.recordBreakerRequest(ctx, g.name, "failure")
		return nil, err
	}
}
