package config

import (
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// Default values applied when the document omits or misstates a field.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultMetricsAddress   = "127.0.0.1:9090"
	DefaultMetricsPath      = "/metrics"
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultMaxIdleConns     = 100
	DefaultIdleConnTimeout  = 90 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultReloadDebounce   = 2 * time.Second
	DefaultRateLimitRPS     = 100
	maxPortExclusive        = 65535
)

// Config is the fully defaulted configuration handed to the engine.
type Config struct {
	Host  string
	Port  int
	Debug bool
	Rules []RuleConfig

	Log            LogConfig
	Metrics        MetricsConfig
	Upstream       UpstreamConfig
	CircuitBreaker CircuitBreakerConfig
	Reload         ReloadConfig
	RateLimit      RateLimitConfig

	// Warnings lists rule entries that could not be decoded. They are
	// skipped; the rest of the document still applies.
	Warnings []error
}

// RuleConfig is one entry of the rules sequence.
type RuleConfig struct {
	Match   string            `yaml:"match"`
	Proxy   string            `yaml:"proxy"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Line is the entry's line in the source document, 0 if unknown.
	Line int `yaml:"-"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Access enables one log line per forwarded request.
	Access bool `yaml:"access"`
}

// MetricsConfig configures the admin server exposing metrics and health.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// UpstreamConfig configures the outbound transport.
type UpstreamConfig struct {
	Timeout         Duration `yaml:"timeout"`
	DialTimeout     Duration `yaml:"dialTimeout"`
	MaxIdleConns    int      `yaml:"maxIdleConns"`
	IdleConnTimeout Duration `yaml:"idleConnTimeout"`
}

// CircuitBreakerConfig configures the per-target circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// ReloadConfig configures hot reload.
type ReloadConfig struct {
	Debounce Duration `yaml:"debounce"`
}

// RateLimitConfig configures inbound request rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond"`
	Burst             int  `yaml:"burst"`
	// PerClient keys the limit by client IP instead of sharing one bucket.
	PerClient bool `yaml:"perClient"`
}

// Default returns a configuration with every default applied and no rules.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued ambient settings.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 || c.Port >= maxPortExclusive {
		c.Port = DefaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = Duration(DefaultUpstreamTimeout)
	}
	if c.Upstream.DialTimeout <= 0 {
		c.Upstream.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.Upstream.MaxIdleConns <= 0 {
		c.Upstream.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.Upstream.IdleConnTimeout <= 0 {
		c.Upstream.IdleConnTimeout = Duration(DefaultIdleConnTimeout)
	}
	if c.CircuitBreaker.Threshold <= 0 {
		c.CircuitBreaker.Threshold = DefaultBreakerThreshold
	}
	if c.CircuitBreaker.Timeout <= 0 {
		c.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
	}
	if c.Reload.Debounce <= 0 {
		c.Reload.Debounce = Duration(DefaultReloadDebounce)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerSecond
	}
	if c.Rules == nil {
		c.Rules = []RuleConfig{}
	}
}

// ToRules converts the rule entries to engine rules, preserving order.
func (c *Config) ToRules() []rules.Rule {
	out := make([]rules.Rule, len(c.Rules))
	for i, rc := range c.Rules {
		out[i] = rules.Rule{
			Match:   rc.Match,
			Target:  rc.Proxy,
			Headers: rc.Headers,
		}
	}
	return out
}
