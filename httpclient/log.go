package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// defaultLogger writes JSON lines to stdout at info level.
func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// callLogger returns the logger for one logical call.
func callLogger(base zerolog.Logger, callID string, verb Verb, path string) zerolog.Logger {
	return base.With().
		Str("call_id", callID).
		Str("method", string(verb)).
		Str("path", path).
		Logger()
}

// logCompleted logs a successful call.
func logCompleted(logger zerolog.Logger, resp *Response) {
	logger.Debug().
		Int("status", resp.StatusCode).
		Float64("elapsed_ms", durationMS(resp.Elapsed)).
		Uint("attempts", resp.Attempts).
		Bool("connection_reused", resp.ConnectionReused).
		Msgf("request completed in %s", formatDurationMS(resp.Elapsed))
}

// logFailed logs a terminal failure once, with the message matching the
// failure class.
func logFailed(logger zerolog.Logger, err error, elapsed time.Duration, attempts uint) {
	ev := logger.Error().
		Err(err).
		Float64("elapsed_ms", durationMS(elapsed)).
		Uint("attempts", attempts)

	var timeoutErr *RequestTimeoutError
	var exhaustedErr *ConnectionExhaustedError
	switch {
	case errors.As(err, &timeoutErr):
		ev.Dur("timeout", timeoutErr.Timeout).
			Msgf("request timed out after %s", formatDurationMS(timeoutErr.Elapsed))
	case errors.As(err, &exhaustedErr):
		ev.Uint("retries", exhaustedErr.Retries).
			Msgf("connection failed after %d retries (%s)", exhaustedErr.Retries, formatDurationMS(elapsed))
	default:
		ev.Msg("request failed")
	}
}

// curlCommand renders an attempt as an equivalent cURL command for trace
// logging. Sensitive header values are masked.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/users' -H 'Authorization: ***' -d '{"name":"John"}'
func curlCommand(req *http.Request, body []byte) string {
	parts := []string{"curl"}

	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}
	if req.Method == http.MethodHead {
		parts = append(parts, "-I")
	}
	parts = append(parts, fmt.Sprintf("'%s'", req.URL.String()))

	if req.Host != "" && req.Host != req.URL.Host {
		parts = append(parts, "-H", fmt.Sprintf("'Host: %s'", req.Host))
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range req.Header[k] {
			if isSensitiveHeader(k) {
				v = "***"
			}
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		parts = append(parts, "-d", fmt.Sprintf("'%s'", strings.ReplaceAll(string(body), "'", "'\\''")))
	}

	return strings.Join(parts, " ")
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "proxy-authorization", "cookie", "x-api-key":
		return true
	default:
		return false
	}
}
