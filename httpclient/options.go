package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/persistent-go/httpclient"

	// Version is reported in the default user-agent header.
	Version = "0.1.0"

	// DefaultName identifies a client that was given no name.
	DefaultName = "http-client"

	// DefaultRequestTimeout bounds every attempt unless overridden.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of rebuild-and-resubmit cycles after a
	// connection-class failure.
	DefaultMaxRetries uint = 1

	// DefaultIdleTimeout is how long a pooled connection may stay idle.
	DefaultIdleTimeout = 5 * time.Second
)

// Environment variables read by EnvDefaults.
const (
	EnvClientName = "HTTP_CLIENT_NAME"
	EnvCertFile   = "SSL_CERT_FILE"
	EnvLogLevel   = "LOG_LEVEL"
)

// =============================================================================
// Config - Connection Pool Tuning
// =============================================================================

// Config holds connection pool tuning for the default transport factory.
// Timeouts that shape a call (request, connect, read, idle) are set with their
// own options; Config only covers how connections are pooled and dialed.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.MaxIdleConnsPerHost = 50
//
//	client, err := httpclient.New("https://api.example.com",
//	    httpclient.WithConfig(cfg),
//	)
type Config struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts combined.
	//
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections kept for the
	// base URL's host. A client talks to exactly one host, so this is the
	// setting that decides how many warm connections survive between calls.
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total number of connections (idle + active).
	// Zero means unlimited.
	//
	// Default: 100
	MaxConnsPerHost int

	// TLSHandshakeTimeout is the maximum time to wait for a TLS handshake.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// ExpectContinueTimeout is how long to wait for a "100 Continue".
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// KeepAlive specifies the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay. Negative disables
	// it.
	//
	// Default: 300ms
	FallbackDelay time.Duration

	// WriteBufferSize and ReadBufferSize size the per-connection buffers.
	//
	// Default: 64KB each
	WriteBufferSize int
	ReadBufferSize  int

	// DisableKeepAlives forces a new connection per request. It defeats the
	// point of this client and exists for debugging only.
	//
	// Default: false
	DisableKeepAlives bool

	// DisableCompression disables transparent gzip.
	//
	// Default: true
	DisableCompression bool

	// ForceHTTP2 attempts HTTP/2 over TLS.
	//
	// Default: false
	ForceHTTP2 bool
}

// DefaultConfig returns balanced pool settings.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       100,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		KeepAlive:             30 * time.Second,
		FallbackDelay:         300 * time.Millisecond,
		WriteBufferSize:       64 * 1024,
		ReadBufferSize:        64 * 1024,
		DisableKeepAlives:     false,
		DisableCompression:    true,
		ForceHTTP2:            false,
	}
}

// HighThroughputConfig returns settings for many concurrent calls sharing
// one client.
//
// Key differences from DefaultConfig:
//   - Higher idle pool limits
//   - Unlimited MaxConnsPerHost for bursts
//   - Larger buffers
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxIdleConns = 500
	cfg.MaxIdleConnsPerHost = 100
	cfg.MaxConnsPerHost = 0
	cfg.WriteBufferSize = 128 * 1024
	cfg.ReadBufferSize = 128 * 1024
	return cfg
}

// LowLatencyConfig returns settings for latency-sensitive callers.
//
// Key differences from DefaultConfig:
//   - Faster TLS handshake and keep-alive probing
//   - Shorter Happy Eyeballs delay
//   - HTTP/2 attempted
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxIdleConns = 50
	cfg.MaxIdleConnsPerHost = 25
	cfg.MaxConnsPerHost = 50
	cfg.TLSHandshakeTimeout = 5 * time.Second
	cfg.ExpectContinueTimeout = 500 * time.Millisecond
	cfg.KeepAlive = 15 * time.Second
	cfg.FallbackDelay = 150 * time.Millisecond
	cfg.WriteBufferSize = 32 * 1024
	cfg.ReadBufferSize = 32 * 1024
	cfg.ForceHTTP2 = true
	return cfg
}

// ConservativeConfig returns resource-conscious settings for processes that
// hold many clients.
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxIdleConns = 20
	cfg.MaxIdleConnsPerHost = 5
	cfg.MaxConnsPerHost = 20
	cfg.WriteBufferSize = 4 * 1024
	cfg.ReadBufferSize = 4 * 1024
	return cfg
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds everything the options can set. It is frozen once
// New returns.
type internalConfig struct {
	pool Config

	name           string
	defaultHeaders map[string]string

	// === Timeouts & Retries ===

	requestTimeout time.Duration
	maxRetries     uint
	connectTimeout time.Duration
	readTimeout    time.Duration
	idleTimeout    time.Duration
	newBackOff     func() backoff.BackOff

	// === Transport ===

	tls                  TLSPolicy
	proxyURL             *url.URL
	proxyFromEnvironment bool
	transportOptions     map[string]any
	transportFactory     TransportFactory

	// === Resilience ===

	breakerConfig *BreakerConfig
	rateLimit     *RateLimitConfig

	// === Observability ===

	logger             zerolog.Logger
	tracerProvider     trace.TracerProvider
	meterProvider      metric.MeterProvider
	tracer             trace.Tracer
	metrics            *metrics
	propagators        propagation.TextMapPropagator
	enableNetworkTrace bool
}

// newConfig applies opts over the defaults.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		pool:                 DefaultConfig(),
		name:                 DefaultName,
		defaultHeaders:       map[string]string{headerUserAgent: "persistent-go/" + Version},
		requestTimeout:       DefaultRequestTimeout,
		maxRetries:           DefaultMaxRetries,
		idleTimeout:          DefaultIdleTimeout,
		newBackOff:           func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		tls:                  DefaultTLSPolicy(),
		proxyFromEnvironment: true,
		transportFactory:     DefaultTransportFactory,
		logger:               defaultLogger(),
		tracerProvider:       otel.GetTracerProvider(),
		meterProvider:        otel.GetMeterProvider(),
		enableNetworkTrace:   true,
		propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.logger = cfg.logger.With().Str("client", cfg.name).Logger()
	cfg.applyTransportOptions()

	cfg.tracer = cfg.tracerProvider.Tracer(scope)
	// A nil metrics value disables recording.
	cfg.metrics, _ = newMetrics(cfg.meterProvider.Meter(scope))

	return cfg
}

// validate rejects settings that cannot produce a working client.
func (cfg *internalConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"request timeout": cfg.requestTimeout,
		"connect timeout": cfg.connectTimeout,
		"read timeout":    cfg.readTimeout,
		"idle timeout":    cfg.idleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("httpclient: %s must not be negative, got %s", name, d)
		}
	}
	if cfg.transportFactory == nil {
		return fmt.Errorf("httpclient: transport factory must not be nil")
	}
	return nil
}

// settings captures the transport-relevant part of the configuration.
func (cfg *internalConfig) settings(serverName string, secure bool) (TransportSettings, error) {
	s := TransportSettings{
		Pool:           cfg.pool,
		ConnectTimeout: cfg.connectTimeout,
		ReadTimeout:    cfg.readTimeout,
		IdleTimeout:    cfg.idleTimeout,
	}

	switch {
	case cfg.proxyURL != nil:
		s.Proxy = http.ProxyURL(cfg.proxyURL)
	case cfg.proxyFromEnvironment:
		s.Proxy = http.ProxyFromEnvironment
	}

	if secure {
		tlsCfg, err := cfg.tls.Build(serverName)
		if err != nil {
			return TransportSettings{}, err
		}
		s.TLS = tlsCfg
	}
	return s, nil
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("http.client.name", cfg.name)}
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Client.
type Option func(*internalConfig)

// WithConfig sets the connection pool tuning. Use one of the presets as a
// starting point.
//
// Example:
//
//	client, err := httpclient.New(baseURL,
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	)
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.pool = c
	}
}

// WithName identifies the client in logs, spans and metrics.
//
// Default: "http-client"
func WithName(name string) Option {
	return func(cfg *internalConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithDefaultHeaders replaces the headers sent with every request. Keys are
// case-insensitive; per-call headers override them.
//
// Default: user-agent "persistent-go/<Version>"
//
// Example:
//
//	httpclient.WithDefaultHeaders(map[string]string{
//	    "Accept":        "application/json",
//	    "Authorization": "Bearer " + token,
//	})
func WithDefaultHeaders(h map[string]string) Option {
	return func(cfg *internalConfig) {
		cfg.defaultHeaders = h
	}
}

// WithHeader sets one default header, replacing any entry with the same
// case-insensitive name and keeping the rest, including the default
// user-agent. A later WithDefaultHeaders discards it.
func WithHeader(key, value string) Option {
	return func(cfg *internalConfig) {
		h := make(map[string]string, len(cfg.defaultHeaders)+1)
		for k, v := range cfg.defaultHeaders {
			if !strings.EqualFold(k, key) {
				h[k] = v
			}
		}
		h[key] = value
		cfg.defaultHeaders = h
	}
}

// WithRequestTimeout bounds each attempt, from dialing to the last byte of
// the response body. Zero disables the bound.
//
// Default: 30s
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.requestTimeout = d
	}
}

// WithNoRequestTimeout removes the per-attempt bound. Calls are then limited
// only by the caller's context.
func WithNoRequestTimeout() Option {
	return WithRequestTimeout(0)
}

// WithMaxRetries sets how many times a connection-class failure is answered
// by rebuilding the connection and resubmitting. Zero disables retries.
//
// Default: 1
func WithMaxRetries(n uint) Option {
	return func(cfg *internalConfig) {
		cfg.maxRetries = n
	}
}

// WithConnectTimeout bounds TCP connection establishment. Zero leaves it to
// the request timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.connectTimeout = d
	}
}

// WithReadTimeout bounds the wait for response headers once the request has
// been written. Zero leaves it to the request timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.readTimeout = d
	}
}

// WithIdleTimeout sets how long a pooled connection may stay idle before
// the transport closes it.
//
// Default: 5s
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.idleTimeout = d
	}
}

// WithTLSPolicy sets how https connections are verified.
func WithTLSPolicy(p TLSPolicy) Option {
	return func(cfg *internalConfig) {
		cfg.tls = p
	}
}

// WithCAFile trusts the PEM bundle at path instead of the system roots.
func WithCAFile(path string) Option {
	return func(cfg *internalConfig) {
		cfg.tls.CAFile = path
	}
}

// WithProxyURL sends every request through proxyURL.
func WithProxyURL(proxyURL *url.URL) Option {
	return func(cfg *internalConfig) {
		cfg.proxyURL = proxyURL
		cfg.proxyFromEnvironment = false
	}
}

// WithProxyFromEnvironment enables or disables HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY.
//
// Default: true
func WithProxyFromEnvironment(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.proxyFromEnvironment = enabled
	}
}

// WithTransportOptions passes loosely typed transport settings, typically
// read from a configuration file. Recognized keys are listed in
// TransportOptionKeys; anything else is logged and ignored.
//
// Example:
//
//	httpclient.WithTransportOptions(map[string]any{
//	    "pool_size":       16,
//	    "verify_hostname": false,
//	})
func WithTransportOptions(opts map[string]any) Option {
	return func(cfg *internalConfig) {
		if cfg.transportOptions == nil {
			cfg.transportOptions = make(map[string]any, len(opts))
		}
		for k, v := range opts {
			cfg.transportOptions[k] = v
		}
	}
}

// WithTransportFactory replaces the function that opens transports. The
// factory is called once at construction and again on every rebuild.
func WithTransportFactory(f TransportFactory) Option {
	return func(cfg *internalConfig) {
		cfg.transportFactory = f
	}
}

// WithLogger sets the zerolog logger. The client adds a "client" field with
// its name.
//
// Default: JSON to stdout at info level
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.logger = l
	}
}

// WithRetryBackOff sets the wait between a rebuild and the resubmission. The
// factory is called once per logical call because backoff policies carry
// state.
//
// Default: no wait
//
// Example:
//
//	httpclient.WithRetryBackOff(func() backoff.BackOff {
//	    b := backoff.NewExponentialBackOff()
//	    b.InitialInterval = 50 * time.Millisecond
//	    return b
//	})
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		if newBackOff != nil {
			cfg.newBackOff = newBackOff
		}
	}
}

// WithBreakerConfig guards dispatch with a circuit breaker.
func WithBreakerConfig(c BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.breakerConfig = &c
	}
}

// WithRateLimit limits how fast attempts are dispatched.
func WithRateLimit(c RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.rateLimit = &c
	}
}

// WithTracerProvider sets the OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.tracerProvider = tp
	}
}

// WithMeterProvider sets the OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.meterProvider = mp
	}
}

// WithPropagators sets the propagators used to inject trace context.
// Default: TraceContext + Baggage
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.propagators = p
	}
}

// WithDisableNetworkTrace turns off the httptrace span events (DNS, connect,
// TLS, connection reuse).
func WithDisableNetworkTrace() Option {
	return func(cfg *internalConfig) {
		cfg.enableNetworkTrace = false
	}
}

// EnvDefaults returns options derived from HTTP_CLIENT_NAME, SSL_CERT_FILE
// and LOG_LEVEL. Place them before explicit options so the latter win.
//
// Example:
//
//	opts := append(httpclient.EnvDefaults(), httpclient.WithMaxRetries(2))
//	client, err := httpclient.New(baseURL, opts...)
func EnvDefaults() []Option {
	var opts []Option
	if name, ok := os.LookupEnv(EnvClientName); ok && name != "" {
		opts = append(opts, WithName(name))
	}
	if file, ok := os.LookupEnv(EnvCertFile); ok && file != "" {
		opts = append(opts, WithCAFile(file))
	}
	if level, ok := os.LookupEnv(EnvLogLevel); ok && level != "" {
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			opts = append(opts, WithLogger(defaultLogger().Level(lvl)))
		}
	}
	return opts
}

// =============================================================================
// Transport Passthrough Options
// =============================================================================

// transportOptionSetters is the allow-list behind WithTransportOptions.
var transportOptionSetters = map[string]func(cfg *internalConfig, v any) error{
	"proxy": func(cfg *internalConfig, v any) error {
		switch p := v.(type) {
		case *url.URL:
			cfg.proxyURL, cfg.proxyFromEnvironment = p, false
			return nil
		case string:
			u, err := url.Parse(p)
			if err != nil {
				return err
			}
			cfg.proxyURL, cfg.proxyFromEnvironment = u, false
			return nil
		default:
			return errOptionType(v)
		}
	},
	"pool_size": intSetter(func(cfg *internalConfig, n int) { cfg.pool.MaxConnsPerHost = n }),
	"max_idle_conns": intSetter(func(cfg *internalConfig, n int) {
		cfg.pool.MaxIdleConns = n
	}),
	"max_idle_conns_per_host": intSetter(func(cfg *internalConfig, n int) {
		cfg.pool.MaxIdleConnsPerHost = n
	}),
	"keep_alive": durationSetter(func(cfg *internalConfig, d time.Duration) {
		cfg.pool.KeepAlive = d
	}),
	"tls_handshake_timeout": durationSetter(func(cfg *internalConfig, d time.Duration) {
		cfg.pool.TLSHandshakeTimeout = d
	}),
	"disable_compression": boolSetter(func(cfg *internalConfig, b bool) {
		cfg.pool.DisableCompression = b
	}),
	"verify_hostname": boolSetter(func(cfg *internalConfig, b bool) {
		cfg.tls.VerifyHostname = b
	}),
	"verify_mode": func(cfg *internalConfig, v any) error {
		switch m := v.(type) {
		case VerifyMode:
			cfg.tls.VerifyMode = m
			return nil
		case string:
			mode, err := ParseVerifyMode(m)
			if err != nil {
				return err
			}
			cfg.tls.VerifyMode = mode
			return nil
		default:
			return errOptionType(v)
		}
	},
	"min_tls_version": func(cfg *internalConfig, v any) error {
		switch ver := v.(type) {
		case uint16:
			cfg.tls.MinVersion = ver
			return nil
		case string:
			parsed, err := ParseTLSVersion(ver)
			if err != nil {
				return err
			}
			cfg.tls.MinVersion = parsed
			return nil
		default:
			return errOptionType(v)
		}
	},
	"ca_file": func(cfg *internalConfig, v any) error {
		s, ok := v.(string)
		if !ok {
			return errOptionType(v)
		}
		cfg.tls.CAFile = s
		return nil
	},
}

// TransportOptionKeys lists the keys WithTransportOptions understands.
func TransportOptionKeys() []string {
	keys := make([]string, 0, len(transportOptionSetters))
	for k := range transportOptionSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyTransportOptions folds the passthrough map into the typed settings.
func (cfg *internalConfig) applyTransportOptions() {
	keys := make([]string, 0, len(cfg.transportOptions))
	for k := range cfg.transportOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := cfg.transportOptions[k]
		set, ok := transportOptionSetters[k]
		if !ok {
			cfg.logger.Debug().Str("option", k).Msg("ignoring unsupported transport option")
			continue
		}
		if err := set(cfg, v); err != nil {
			cfg.logger.Warn().Err(err).Str("option", k).
				Msg("dropping transport option with invalid value")
		}
	}
}

func errOptionType(v any) error {
	return fmt.Errorf("unexpected value type %T", v)
}

func intSetter(apply func(*internalConfig, int)) func(*internalConfig, any) error {
	return func(cfg *internalConfig, v any) error {
		var n int
		switch x := v.(type) {
		case int:
			n = x
		case int64:
			n = int(x)
		case uint:
			n = int(x)
		case float64:
			if x != float64(int(x)) {
				return fmt.Errorf("expected an integer, got %v", x)
			}
			n = int(x)
		default:
			return errOptionType(v)
		}
		if n < 0 {
			return fmt.Errorf("must not be negative, got %d", n)
		}
		apply(cfg, n)
		return nil
	}
}

func durationSetter(apply func(*internalConfig, time.Duration)) func(*internalConfig, any) error {
	return func(cfg *internalConfig, v any) error {
		var d time.Duration
		switch x := v.(type) {
		case time.Duration:
			d = x
		case string:
			parsed, err := time.ParseDuration(x)
			if err != nil {
				return err
			}
			d = parsed
		case int:
			d = time.Duration(x) * time.Second
		case float64:
			d = time.Duration(x * float64(time.Second))
		default:
			return errOptionType(v)
		}
		apply(cfg, d)
		return nil
	}
}

func boolSetter(apply func(*internalConfig, bool)) func(*internalConfig, any) error {
	return func(cfg *internalConfig, v any) error {
		b, ok := v.(bool)
		if !ok {
			return errOptionType(v)
		}
		apply(cfg, b)
		return nil
	}
}
