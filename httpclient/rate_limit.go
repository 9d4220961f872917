package httpclient

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when an attempt is rejected by the client-side
// rate limiter. It is never retried.
var ErrRateLimited = errors.New("httpclient: rate limit exceeded")

// RateLimitConfig configures client-side rate limiting. Every attempt,
// resubmissions included, takes one token.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained attempt rate.
	RequestsPerSecond float64

	// Burst is the maximum number of attempts allowed in a burst.
	Burst int

	// WaitOnLimit makes attempts wait for a token, bounded by the attempt's
	// context. If false, attempts fail immediately with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns 100 requests per second with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// rateLimiter gates attempts.
type rateLimiter struct {
	limiter *rate.Limiter
	wait    bool
}

// newRateLimiter returns nil when cfg disables limiting.
func newRateLimiter(cfg *RateLimitConfig) *rateLimiter {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		wait:    cfg.WaitOnLimit,
	}
}

// take consumes a token.
func (l *rateLimiter) take(ctx context.Context) error {
	if l == nil {
		return nil
	}

	if !l.wait {
		if !l.limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait fails early when the deadline cannot be met.
		return errors.Join(ErrRateLimited, err)
	}
	return nil
}

// RateLimiterStats provides visibility into rate limiter state.
type RateLimiterStats struct {
	Limit           float64
	Burst           int
	TokensAvailable float64
}

func (l *rateLimiter) stats() RateLimiterStats {
	if l == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Limit:           float64(l.limiter.Limit()),
		Burst:           l.limiter.Burst(),
		TokensAvailable: l.limiter.Tokens(),
	}
}
