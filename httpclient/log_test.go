package httpclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFailed(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
		wantField   string
	}{
		{
			name:        "given request timeout, then logs timeout message",
			err:         &RequestTimeoutError{Method: "GET", Path: "/x", Timeout: 50 * time.Millisecond, Elapsed: 51 * time.Millisecond},
			wantMessage: "request timed out after 51.00 ms",
			wantField:   "timeout",
		},
		{
			name:        "given exhausted connection, then logs retries",
			err:         &ConnectionExhaustedError{Method: "GET", Path: "/x", Retries: 3, Err: connReset()},
			wantMessage: "connection failed after 3 retries (1500.00 ms)",
			wantField:   "retries",
		},
		{
			name:        "given other error, then logs generic message",
			err:         errors.New("boom"),
			wantMessage: "request failed",
			wantField:   "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf logBuffer
			logFailed(buf.logger(zerolog.DebugLevel), tt.err, 1500*time.Millisecond, 4)

			entries := buf.entries(t)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantMessage, entries[0][zerolog.MessageFieldName])
			assert.Equal(t, zerolog.LevelErrorValue, entries[0][zerolog.LevelFieldName])
			assert.Contains(t, entries[0], tt.wantField)
			assert.EqualValues(t, 4, entries[0]["attempts"])
		})
	}
}

func TestCallLogger(t *testing.T) {
	var buf logBuffer
	logger := callLogger(buf.logger(zerolog.InfoLevel), "call-1", VerbPost, "/users")
	logger.Info().Msg("hello")

	e := buf.find(t, "hello")
	require.NotNil(t, e)
	assert.Equal(t, "call-1", e["call_id"])
	assert.Equal(t, "POST", e["method"])
	assert.Equal(t, "/users", e["path"])
}

func TestCurlCommand(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		url      string
		headers  map[string]string
		host     string
		body     []byte
		want     []string
		wantNone []string
	}{
		{
			name:   "given get, then omits method flag",
			method: http.MethodGet,
			url:    "http://api.test/users?id=1",
			want:   []string{"curl 'http://api.test/users?id=1'"},
		},
		{
			name:     "given sensitive headers, then masks values",
			method:   http.MethodPost,
			url:      "http://api.test/login",
			headers:  map[string]string{"Authorization": "Bearer secret", "X-Api-Key": "k", "Accept": "*/*"},
			want:     []string{"-X POST", "'Authorization: ***'", "'X-Api-Key: ***'", "'Accept: */*'"},
			wantNone: []string{"secret"},
		},
		{
			name:   "given body with quote, then escapes it",
			method: http.MethodPut,
			url:    "http://api.test/notes",
			body:   []byte(`{"text":"it's"}`),
			want:   []string{`-d '{"text":"it'\''s"}'`},
		},
		{
			name:   "given head, then adds -I",
			method: http.MethodHead,
			url:    "http://api.test/ping",
			want:   []string{"-X HEAD -I"},
		},
		{
			name:   "given host override, then adds host header",
			method: http.MethodGet,
			url:    "http://10.0.0.1/x",
			host:   "api.test",
			want:   []string{"-H 'Host: api.test'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, http.NoBody)
			require.NoError(t, err)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.host != "" {
				req.Host = tt.host
			}

			got := curlCommand(req, tt.body)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			for _, w := range tt.wantNone {
				assert.NotContains(t, got, w)
			}
		})
	}
}

func TestClient_Logging(t *testing.T) {
	t.Run("given completed call at debug level, then logs completion with call fields", func(t *testing.T) {
		var buf logBuffer
		tr := NewMockTransport().StubResponse(http.StatusOK, "ok")
		client := newMockClient(t, tr, WithLogger(buf.logger(zerolog.DebugLevel)), WithName("billing"))

		_, err := client.Get(context.Background(), "/invoices", nil, nil)
		require.NoError(t, err)

		e := buf.find(t, "request completed in ")
		require.NotNil(t, e)
		assert.Equal(t, "billing", e["client"])
		assert.Equal(t, "GET", e["method"])
		assert.Equal(t, "/invoices", e["path"])
		assert.NotEmpty(t, e["call_id"])
		assert.EqualValues(t, 200, e["status"])
		assert.EqualValues(t, 1, e["attempts"])
	})

	t.Run("given info level, then successful call logs nothing", func(t *testing.T) {
		var buf logBuffer
		client := newMockClient(t, NewMockTransport().StubResponse(http.StatusOK, ""),
			WithLogger(buf.logger(zerolog.InfoLevel)))

		_, err := client.Get(context.Background(), "/x", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, buf.entries(t))
	})

	t.Run("given exhausted retries, then logs one error", func(t *testing.T) {
		var buf logBuffer
		client := newMockClient(t, NewMockTransport().StubError(connReset()),
			WithLogger(buf.logger(zerolog.InfoLevel)), WithMaxRetries(2))

		_, err := client.Get(context.Background(), "/x", nil, nil)
		require.Error(t, err)

		entries := buf.entries(t)
		require.Len(t, entries, 1)
		msg, _ := entries[0][zerolog.MessageFieldName].(string)
		assert.True(t, strings.HasPrefix(msg, "connection failed after 2 retries ("), msg)
	})

	t.Run("given rebuild at debug level, then logs attempt and rebuild", func(t *testing.T) {
		var buf logBuffer
		client := newMockClient(t, NewMockTransport().QueueError(connReset()).StubResponse(http.StatusOK, ""),
			WithLogger(buf.logger(zerolog.DebugLevel)))

		_, err := client.Get(context.Background(), "/x", nil, nil)
		require.NoError(t, err)

		msgs := buf.messages(t)
		assert.Contains(t, msgs, "attempt failed")
		assert.Contains(t, msgs, "connection failed, rebuilding before resubmitting")
		assert.Contains(t, msgs, "rebuilt connection")

		attempt := buf.find(t, "attempt failed")
		assert.Equal(t, "connection", attempt["outcome"])
		assert.EqualValues(t, 1, attempt["generation"])
	})

	t.Run("given trace level, then logs each attempt as curl", func(t *testing.T) {
		var buf logBuffer
		tr := NewMockTransport().QueueError(connReset()).StubResponse(http.StatusOK, "")
		client := newMockClient(t, tr, WithLogger(buf.logger(zerolog.TraceLevel)))

		_, err := client.Post(context.Background(), "/x",
			map[string]string{"Authorization": "Bearer secret"}, map[string]string{"a": "b"})
		require.NoError(t, err)

		var curls []string
		for _, e := range buf.entries(t) {
			if c, ok := e["curl"].(string); ok {
				curls = append(curls, c)
			}
		}
		require.Len(t, curls, tr.RequestCount())
		for _, c := range curls {
			assert.Contains(t, c, "curl -X POST 'http://api.test/x'")
			assert.Contains(t, c, `-d '{"a":"b"}'`)
			assert.NotContains(t, c, "secret")
		}
	})

	t.Run("given unknown content type, then warns about json fallback", func(t *testing.T) {
		var buf logBuffer
		client := newMockClient(t, NewMockTransport().StubResponse(http.StatusOK, ""),
			WithLogger(buf.logger(zerolog.InfoLevel)))

		_, err := client.Post(context.Background(), "/x",
			map[string]string{"Content-Type": "application/vnd.custom"}, map[string]string{"a": "b"})
		require.NoError(t, err)

		e := buf.find(t, "unrecognized content type, encoding body as JSON")
		require.NotNil(t, e)
		assert.Equal(t, zerolog.LevelWarnValue, e[zerolog.LevelFieldName])
		assert.Equal(t, "application/vnd.custom", e["content_type"])
	})
}
