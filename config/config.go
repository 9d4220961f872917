// Package config loads httpclient settings from defaults, an optional YAML
// file and the environment, and turns them into client options.
//
// Sources are applied in order, later ones winning:
//  1. Built-in defaults
//  2. YAML file (when a path is given)
//  3. PHTTP_* environment variables, "__" separating nested keys
//     (PHTTP_TLS__CA_FILE sets tls.ca_file)
//  4. HTTP_CLIENT_NAME, SSL_CERT_FILE and LOG_LEVEL, only for keys still unset
//  5. Overrides passed with WithOverrides
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/persistent-go/httpclient"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "PHTTP_"

// NoTimeout disables the per-attempt request timeout when used as
// request_timeout.
const NoTimeout = "none"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// File is the loaded configuration.
type File struct {
	BaseURL string            `koanf:"base_url" validate:"required,url"`
	Name    string            `koanf:"name"`
	Headers map[string]string `koanf:"headers"`

	// RequestTimeout is a duration such as "10s" or "none".
	RequestTimeout string        `koanf:"request_timeout"`
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gte=0"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `koanf:"idle_timeout" validate:"gte=0"`

	// Preset selects the pool tuning.
	Preset string `koanf:"preset" validate:"omitempty,oneof=default high_throughput low_latency conservative"`
	Proxy  string `koanf:"proxy" validate:"omitempty,url"`

	// Transport is handed to httpclient.WithTransportOptions as is.
	Transport map[string]any `koanf:"transport"`

	TLS       TLS       `koanf:"tls"`
	Breaker   Breaker   `koanf:"breaker"`
	RateLimit RateLimit `koanf:"rate_limit"`
	Log       Log       `koanf:"log"`
}

// TLS configures certificate verification for https base URLs.
type TLS struct {
	VerifyMode     string `koanf:"verify_mode" validate:"omitempty,oneof=peer none"`
	VerifyHostname bool   `koanf:"verify_hostname"`
	CAFile         string `koanf:"ca_file"`
	MinVersion     string `koanf:"min_version" validate:"omitempty,oneof=1.0 1.1 1.2 1.3"`
}

// Breaker enables the circuit breaker. A non-empty RedisAddr shares its
// state across processes.
type Breaker struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	FailureRatio        float64       `koanf:"failure_ratio" validate:"gte=0,lte=1"`
	Timeout             time.Duration `koanf:"timeout" validate:"gte=0"`
	RedisAddr           string        `koanf:"redis_addr" validate:"omitempty,hostname_port"`
}

// RateLimit enables client-side rate limiting when RequestsPerSecond > 0.
type RateLimit struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `koanf:"burst" validate:"gte=0"`
	Wait              bool    `koanf:"wait"`
}

// Log configures the zerolog logger handed to the client.
type Log struct {
	// Level defaults to info.
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaults() map[string]any {
	return map[string]any{
		"request_timeout":       httpclient.DefaultRequestTimeout.String(),
		"max_retries":           int(httpclient.DefaultMaxRetries),
		"idle_timeout":          httpclient.DefaultIdleTimeout.String(),
		"preset":                "default",
		"tls.verify_mode":       "peer",
		"tls.verify_hostname":   true,
		"tls.min_version":       "1.2",
		"breaker.timeout":       "10s",
		"breaker.failure_ratio": 0.5,
		"log.format":            "json",
	}
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	overrides map[string]any
}

// WithOverrides applies values above every other source, keyed like the
// YAML file ("tls.ca_file"). Command-line flags use it.
func WithOverrides(values map[string]any) LoadOption {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		for k, v := range values {
			o.overrides[k] = v
		}
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string, opts ...LoadOption) (*File, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	fallbacks := map[string]any{}
	if v := os.Getenv(httpclient.EnvClientName); v != "" && !k.Exists("name") {
		fallbacks["name"] = v
	}
	if v := os.Getenv(httpclient.EnvCertFile); v != "" && !k.Exists("tls.ca_file") {
		fallbacks["tls.ca_file"] = v
	}
	if v := os.Getenv(httpclient.EnvLogLevel); v != "" && !k.Exists("log.level") {
		fallbacks["log.level"] = strings.ToLower(v)
	}
	if len(fallbacks) > 0 {
		if err := k.Load(confmap.Provider(fallbacks, "."), nil); err != nil {
			return nil, fmt.Errorf("config: load fallbacks: %w", err)
		}
	}

	if len(lo.overrides) > 0 {
		if err := k.Load(confmap.Provider(lo.overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("config: load overrides: %w", err)
		}
	}

	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// envKey maps PHTTP_TLS__CA_FILE to tls.ca_file.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the request timeout syntax.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if _, _, err := f.requestTimeout(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// requestTimeout returns the parsed timeout and whether it is disabled.
func (f *File) requestTimeout() (time.Duration, bool, error) {
	switch strings.ToLower(strings.TrimSpace(f.RequestTimeout)) {
	case "":
		return httpclient.DefaultRequestTimeout, false, nil
	case NoTimeout:
		return 0, true, nil
	}

	d, err := time.ParseDuration(f.RequestTimeout)
	if err != nil {
		return 0, false, fmt.Errorf("request_timeout: %w", err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("request_timeout must be positive or %q, got %s", NoTimeout, d)
	}
	return d, false, nil
}

// Logger builds the zerolog logger described by Log.
func (f *File) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(f.Log.Level)
	if err != nil || f.Log.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if f.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Logger().Level(level)
}

// Options converts the configuration into httpclient options.
func (f *File) Options() ([]httpclient.Option, error) {
	opts := []httpclient.Option{
		httpclient.WithLogger(f.Logger()),
		httpclient.WithMaxRetries(uint(f.MaxRetries)),
	}

	if f.Name != "" {
		opts = append(opts, httpclient.WithName(f.Name))
	}
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, httpclient.WithHeader(k, f.Headers[k]))
	}

	timeout, disabled, err := f.requestTimeout()
	if err != nil {
		return nil, err
	}
	if disabled {
		opts = append(opts, httpclient.WithNoRequestTimeout())
	} else {
		opts = append(opts, httpclient.WithRequestTimeout(timeout))
	}

	if f.ConnectTimeout > 0 {
		opts = append(opts, httpclient.WithConnectTimeout(f.ConnectTimeout))
	}
	if f.ReadTimeout > 0 {
		opts = append(opts, httpclient.WithReadTimeout(f.ReadTimeout))
	}
	if f.IdleTimeout > 0 {
		opts = append(opts, httpclient.WithIdleTimeout(f.IdleTimeout))
	}

	opts = append(opts, httpclient.WithConfig(preset(f.Preset)))

	policy, err := f.TLS.policy()
	if err != nil {
		return nil, err
	}
	opts = append(opts, httpclient.WithTLSPolicy(policy))

	if f.Proxy != "" {
		u, err := url.Parse(f.Proxy)
		if err != nil {
			return nil, fmt.Errorf("config: proxy: %w", err)
		}
		opts = append(opts, httpclient.WithProxyURL(u))
	}

	if len(f.Transport) > 0 {
		opts = append(opts, httpclient.WithTransportOptions(f.Transport))
	}

	if f.Breaker.Enabled {
		opts = append(opts, httpclient.WithBreakerConfig(f.Breaker.config()))
	}
	if f.RateLimit.RequestsPerSecond > 0 {
		opts = append(opts, httpclient.WithRateLimit(httpclient.RateLimitConfig{
			RequestsPerSecond: f.RateLimit.RequestsPerSecond,
			Burst:             f.RateLimit.Burst,
			WaitOnLimit:       f.RateLimit.Wait,
		}))
	}

	return opts, nil
}

func preset(name string) httpclient.Config {
	switch name {
	case "high_throughput":
		return httpclient.HighThroughputConfig()
	case "low_latency":
		return httpclient.LowLatencyConfig()
	case "conservative":
		return httpclient.ConservativeConfig()
	default:
		return httpclient.DefaultConfig()
	}
}

func (t TLS) policy() (httpclient.TLSPolicy, error) {
	p := httpclient.DefaultTLSPolicy()
	p.VerifyHostname = t.VerifyHostname
	p.CAFile = t.CAFile

	mode, err := httpclient.ParseVerifyMode(t.VerifyMode)
	if err != nil {
		return p, err
	}
	p.VerifyMode = mode

	if t.MinVersion != "" {
		v, err := httpclient.ParseTLSVersion(t.MinVersion)
		if err != nil {
			return p, err
		}
		p.MinVersion = v
	}
	return p, nil
}

func (b Breaker) config() httpclient.BreakerConfig {
	var cfg httpclient.BreakerConfig
	if b.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{b.RedisAddr}})
		cfg = httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
	} else {
		cfg = httpclient.DefaultBreakerConfig()
	}

	if b.ConsecutiveFailures > 0 {
		cfg.ConsecutiveFailures = b.ConsecutiveFailures
	}
	if b.FailureRatio > 0 {
		cfg.FailureRatio = b.FailureRatio
	}
	if b.Timeout > 0 {
		cfg.Timeout = b.Timeout
	}
	return cfg
}
