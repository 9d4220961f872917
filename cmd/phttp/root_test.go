package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method      string
	path        string
	query       string
	contentType string
	auth        string
	body        string
}

// recorder keeps the last request seen by the echo server.
type recorder struct {
	mu   sync.Mutex
	last recorded
}

func (r *recorder) get() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func newEchoServer(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.last = recorded{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
			body:        string(b),
		}
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"user":{"name":"ada"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PHTTP_LOG__LEVEL", "disabled")
	t.Setenv("HTTP_CLIENT_NAME", "")
	t.Setenv("SSL_CERT_FILE", "")
	t.Setenv("LOG_LEVEL", "")

	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerbCommands(t *testing.T) {
	srv, rec := newEchoServer(t)

	tests := []struct {
		name            string
		args            []string
		wantMethod      string
		wantQuery       string
		wantBody        string
		wantContentType string
		wantOut         string
	}{
		{
			name:       "given get with query data, then sends query verbatim",
			args:       []string{"get", "/users", "--base-url", srv.URL, "-d", "page=2&sort=name"},
			wantMethod: http.MethodGet,
			wantQuery:  "page=2&sort=name",
			wantOut:    "200 OK\n{\"id\":7,\"user\":{\"name\":\"ada\"}}\n",
		},
		{
			name:            "given post with json data, then sends json",
			args:            []string{"post", "/users", "--base-url", srv.URL, "-d", `{"name":"ada"}`},
			wantMethod:      http.MethodPost,
			wantBody:        `{"name":"ada"}`,
			wantContentType: "application/json",
		},
		{
			name:            "given put with plain data, then sends octet stream",
			args:            []string{"put", "/blob", "--base-url", srv.URL, "-d", "hello"},
			wantMethod:      http.MethodPut,
			wantBody:        "hello",
			wantContentType: "application/octet-stream",
		},
		{
			name:            "given explicit content type, then keeps it",
			args:            []string{"patch", "/users/1", "--base-url", srv.URL, "-d", "a=b", "-H", "Content-Type: text/plain"},
			wantMethod:      http.MethodPatch,
			wantBody:        "a=b",
			wantContentType: "text/plain",
		},
		{
			name:       "given delete without data, then sends no body",
			args:       []string{"delete", "/users/1", "--base-url", srv.URL},
			wantMethod: http.MethodDelete,
		},
		{
			name:       "given select, then prints only the selected value",
			args:       []string{"get", "/users", "--base-url", srv.URL, "--select", "user.name"},
			wantMethod: http.MethodGet,
			wantOut:    "200 OK\nada\n",
		},
		{
			name:       "given head, then prints status only",
			args:       []string{"head", "/users", "--base-url", srv.URL},
			wantMethod: http.MethodHead,
			wantOut:    "200 OK\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			require.NoError(t, err)
			got := rec.get()

			assert.Equal(t, tt.wantMethod, got.method)
			assert.Equal(t, tt.wantQuery, got.query)
			assert.Equal(t, tt.wantBody, got.body)
			assert.Equal(t, tt.wantContentType, got.contentType)
			if tt.wantOut != "" {
				assert.Equal(t, tt.wantOut, out)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	srv, rec := newEchoServer(t)

	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_url: "+srv.URL+"\nheaders:\n  Authorization: Bearer token\n"), 0o600))

	out, err := run(t, "get", "/me", "--config", path)
	require.NoError(t, err)
	last := rec.get()

	assert.Equal(t, "/me", last.path)
	assert.Equal(t, "Bearer token", last.auth)
	assert.True(t, strings.HasPrefix(out, "200 OK\n"))
}

func TestErrors(t *testing.T) {
	srv, _ := newEchoServer(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "given no base url, then fails validation", args: []string{"get", "/x"}, wantErr: "BaseURL"},
		{name: "given malformed header, then fails", args: []string{"get", "/x", "--base-url", srv.URL, "-H", "oops"}, wantErr: "invalid header"},
		{name: "given missing data file, then fails", args: []string{"post", "/x", "--base-url", srv.URL, "-d", "@/nope/missing.json"}, wantErr: "read data file"},
		{name: "given unmatched select, then fails", args: []string{"get", "/x", "--base-url", srv.URL, "--select", "missing"}, wantErr: "select path matched nothing"},
		{name: "given no path, then fails", args: []string{"get"}, wantErr: "accepts 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PHTTP_BASE_URL", "")
			_, err := run(t, tt.args...)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Accept: application/json", "X-Trace=abc", "X-Empty:"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Accept": "application/json", "X-Trace": "abc", "X-Empty": ""}, got)

	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}
