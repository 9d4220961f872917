package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// executor runs logical calls: build once, then dispatch, classify, and
// rebuild-and-resubmit on connection failures.
type executor struct {
	cfg       *internalConfig
	builder   *requestBuilder
	conns     *connectionManager
	telemetry *otelTransport
	breaker   *breakerGuard
	limiter   *rateLimiter

	// origin is scheme://host[:port] of the base URL.
	origin string
}

// callState is the mutable bookkeeping of one logical call.
type callState struct {
	handle     *transportHandle
	attempts   uint
	last       outcome
	rebuildErr error
}

// execute performs one logical call.
func (e *executor) execute(
	ctx context.Context,
	verb Verb,
	path string,
	headers map[string]string,
	payload any,
) (*Response, error) {
	start := time.Now()
	logger := callLogger(e.cfg.logger, uuid.NewString(), verb, path)

	out, err := e.builder.build(verb, path, headers, payload)
	if err != nil {
		logFailed(logger, err, time.Since(start), 0)
		return nil, err
	}
	if out.ContentTypeFallback {
		logger.Warn().
			Str("content_type", out.Header.Get(headerContentType)).
			Msg("unrecognized content type, encoding body as JSON")
	}

	handle, err := e.conns.acquire()
	if err != nil {
		logFailed(logger, err, time.Since(start), 0)
		return nil, err
	}

	state := &callState{handle: handle}

	operation := func() (*Response, error) {
		if state.rebuildErr != nil {
			state.last = outcomeOther
			return nil, backoff.Permanent(state.rebuildErr)
		}

		state.attempts++
		resp, class, err := e.attempt(ctx, state.handle, out, state.attempts, logger)
		state.last = class

		switch class {
		case outcomeSuccess:
			return resp, nil
		case outcomeConnection:
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		e.cfg.metrics.recordRetryAttempt(ctx, e.cfg.baseAttributes(), state.attempts+1)
		logger.Debug().
			Err(err).
			Uint("attempt", state.attempts).
			Dur("wait", wait).
			Msg("connection failed, rebuilding before resubmitting")

		fresh, rerr := e.conns.rebuild(state.handle)
		if rerr != nil {
			state.rebuildErr = rerr
			return
		}
		state.handle = fresh
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(e.cfg.newBackOff()),
		backoff.WithMaxTries(e.cfg.maxRetries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	elapsed := time.Since(start)
	e.cfg.metrics.recordCallDuration(ctx, elapsed, e.cfg.baseAttributes())

	if err != nil {
		// Retry leaves the wrapper in place when the final try is permanent.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}

		if state.last == outcomeConnection && ctx.Err() == nil {
			e.cfg.metrics.recordRetryExhausted(ctx, e.cfg.baseAttributes())
			err = &ConnectionExhaustedError{
				Method:  string(verb),
				Path:    out.Path,
				Retries: state.attempts - 1,
				Elapsed: elapsed,
				Err:     err,
			}
		}

		logFailed(logger, err, elapsed, state.attempts)
		return nil, err
	}

	resp.Attempts = state.attempts
	resp.Elapsed = elapsed
	logCompleted(logger, resp)
	return resp, nil
}

// attempt sends out once on h and reads the whole body under the attempt's
// deadline.
func (e *executor) attempt(
	ctx context.Context,
	h *transportHandle,
	out *OutgoingRequest,
	n uint,
	logger zerolog.Logger,
) (*Response, outcome, error) {
	attemptCtx, cancel := e.attemptContext(ctx)
	defer cancel()
	start := time.Now()

	fail := func(err error) (*Response, outcome, error) {
		class := classifyOutcome(ctx, attemptCtx, err)
		if class == outcomeDeadline {
			err = &RequestTimeoutError{
				Method:  string(out.Verb),
				Path:    out.Path,
				Timeout: e.cfg.requestTimeout,
				Elapsed: time.Since(start),
				Err:     err,
			}
		}
		logger.Debug().
			Err(err).
			Uint("attempt", n).
			Uint64("generation", h.generation).
			Str("outcome", class.String()).
			Float64("elapsed_ms", durationMS(time.Since(start))).
			Msg("attempt failed")
		return nil, class, err
	}

	if err := e.limiter.take(attemptCtx); err != nil {
		return fail(err)
	}

	req, err := out.toHTTP(attemptCtx, e.origin)
	if err != nil {
		return nil, outcomeOther, err
	}

	nt := &networkTrace{}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), nt.clientTrace()))

	if ev := logger.Trace(); ev.Enabled() {
		ev.Uint("attempt", n).Str("curl", curlCommand(req, out.Body)).Msg("sending request")
	}

	var next http.RoundTripper = h.transport
	if e.breaker != nil {
		base := next
		next = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return e.breaker.roundTrip(base, r)
		})
	}

	httpResp, err := e.telemetry.roundTrip(next, req, nt, n)
	if err != nil {
		return fail(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fail(fmt.Errorf("httpclient: read response body: %w", err))
	}
	e.cfg.metrics.recordResponseBodySize(ctx, int64(len(body)), e.cfg.baseAttributes())

	return &Response{
		StatusCode:       httpResp.StatusCode,
		Status:           httpResp.Status,
		Header:           httpResp.Header,
		ConnectionReused: nt.reused(),
		body:             body,
	}, outcomeSuccess, nil
}

// attemptContext derives the per-attempt context from the caller's.
func (e *executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.requestTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.requestTimeout)
	}
	return context.WithCancel(ctx)
}
