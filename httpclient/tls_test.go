package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeServerCA stores the test server's self-signed certificate as a PEM
// bundle and returns its path.
func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestTLSPolicy_Build(t *testing.T) {
	tests := []struct {
		name           string
		policy         TLSPolicy
		wantInsecure   bool
		wantVerifyConn bool
		wantMinVersion uint16
	}{
		{
			name:           "given default policy, then verifies peer and hostname",
			policy:         DefaultTLSPolicy(),
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name:           "given zero min version, then defaults to TLS 1.2",
			policy:         TLSPolicy{VerifyHostname: true},
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name:           "given TLS 1.3 floor, then keeps it",
			policy:         TLSPolicy{VerifyHostname: true, MinVersion: tls.VersionTLS13},
			wantMinVersion: tls.VersionTLS13,
		},
		{
			name:           "given verify none, then skips verification",
			policy:         TLSPolicy{VerifyMode: VerifyNone, VerifyHostname: true},
			wantInsecure:   true,
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name:           "given hostname check disabled, then verifies chain only",
			policy:         TLSPolicy{VerifyMode: VerifyPeer, VerifyHostname: false},
			wantInsecure:   true,
			wantVerifyConn: true,
			wantMinVersion: tls.VersionTLS12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.policy.Build("api.example.com")
			require.NoError(t, err)

			assert.Equal(t, "api.example.com", cfg.ServerName)
			assert.Equal(t, tt.wantMinVersion, cfg.MinVersion)
			assert.Equal(t, tt.wantInsecure, cfg.InsecureSkipVerify)
			assert.Equal(t, tt.wantVerifyConn, cfg.VerifyConnection != nil)
		})
	}
}

func TestTLSPolicy_BuildCAFile(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	t.Run("given missing CA file, then returns error", func(t *testing.T) {
		_, err := TLSPolicy{CAFile: filepath.Join(dir, "missing.pem")}.Build("x")
		assert.ErrorContains(t, err, "failed to read CA file")
	})

	t.Run("given non PEM CA file, then returns error", func(t *testing.T) {
		_, err := TLSPolicy{CAFile: garbage}.Build("x")
		assert.ErrorContains(t, err, "failed to parse CA file")
	})

	t.Run("given valid CA file, then sets root CAs", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.NotFoundHandler())
		defer srv.Close()

		cfg, err := TLSPolicy{CAFile: writeServerCA(t, srv), VerifyHostname: true}.Build("x")
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
	})
}

func TestParseVerifyMode(t *testing.T) {
	tests := []struct {
		input   string
		want    VerifyMode
		wantErr bool
	}{
		{input: "peer", want: VerifyPeer},
		{input: "", want: VerifyPeer},
		{input: "none", want: VerifyNone},
		{input: "optional", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("given "+tt.input+", then parses accordingly", func(t *testing.T) {
			got, err := ParseVerifyMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "peer", VerifyPeer.String())
	assert.Equal(t, "none", VerifyNone.String())
}

func TestParseTLSVersion(t *testing.T) {
	v, err := ParseTLSVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = ParseTLSVersion("2.0")
	assert.Error(t, err)
}

func TestClient_TLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	caFile := writeServerCA(t, srv)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	// "localhost" is not among the certificate's names.
	mismatched := "https://localhost:" + u.Port()

	t.Run("given trusted CA, then request succeeds", func(t *testing.T) {
		client, err := New(srv.URL, WithCAFile(caFile), WithLogger(nopLogger()))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Get(context.Background(), "/", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "secure", resp.String())
	})

	t.Run("given untrusted server, then fails without retrying", func(t *testing.T) {
		opens := 0
		client, err := New(srv.URL,
			WithLogger(nopLogger()),
			WithMaxRetries(3),
			WithTransportFactory(func(s TransportSettings) (Transport, error) {
				opens++
				return DefaultTransportFactory(s)
			}),
		)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Get(context.Background(), "/", nil, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConnectionExhausted)
		assert.Equal(t, 1, opens, "certificate errors must not trigger rebuilds")
	})

	t.Run("given hostname mismatch with hostname check, then fails", func(t *testing.T) {
		client, err := New(mismatched, WithCAFile(caFile), WithLogger(nopLogger()))
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Get(context.Background(), "/", nil, nil)
		assert.Error(t, err)
	})

	t.Run("given hostname mismatch without hostname check, then succeeds", func(t *testing.T) {
		policy := DefaultTLSPolicy()
		policy.VerifyHostname = false
		policy.CAFile = caFile

		client, err := New(mismatched, WithTLSPolicy(policy), WithLogger(nopLogger()))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Get(context.Background(), "/", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("given verify none, then accepts untrusted certificate", func(t *testing.T) {
		policy := DefaultTLSPolicy()
		policy.VerifyMode = VerifyNone

		client, err := New(srv.URL, WithTLSPolicy(policy), WithLogger(nopLogger()))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Get(context.Background(), "/", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("given unreadable CA file, then New fails", func(t *testing.T) {
		_, err := New(srv.URL, WithCAFile(filepath.Join(t.TempDir(), "missing.pem")))
		assert.Error(t, err)
	})
}
