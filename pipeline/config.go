/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-resilience/ratelimit"
)

// DefaultClientWaitTimeout is a default timeout for a client to wait for a request.
const DefaultClientWaitTimeout = 10 * time.Second

const (
	// configuration properties
	cfgKeyRetriesEnabled             = "retries.enabled"
	cfgKeyRetriesMax                 = "retries.maxAttempts"
	cfgKeyRetriesMinDelay            = "retries.minDelay"
	cfgKeyRetriesMaxDelay            = "retries.maxDelay"
	cfgKeyRetriesBackoffFactor       = "retries.backoffFactor"
	cfgKeyRetriesJitter              = "retries.jitter"
	cfgKeyRetriesRespectRetryAfter   = "retries.respectRetryAfter"
	cfgKeyRetriesPerAttemptTimeout   = "retries.perAttemptTimeout"
	cfgKeyRetriesTotalTimeout        = "retries.totalTimeout"
	cfgKeyCircuitBreakerEnabled      = "circuitBreaker.enabled"
	cfgKeyCircuitBreakerThreshold    = "circuitBreaker.failureThreshold"
	cfgKeyCircuitBreakerWindow       = "circuitBreaker.failureWindow"
	cfgKeyCircuitBreakerResetTimeout = "circuitBreaker.resetTimeout"
	cfgKeyCacheEnabled               = "cache.enabled"
	cfgKeyCacheTTL                   = "cache.ttl"
	cfgKeyCacheMaxEntries            = "cache.maxEntries"
	cfgKeyDedupeEnabled              = "dedupe.enabled"
	cfgKeyDedupeMaxAge               = "dedupe.maxAge"
	cfgKeyDedupeMaxPending           = "dedupe.maxPending"
	cfgKeyRateLimitsEnabled          = "rateLimits.enabled"
	cfgKeyRateLimitsLimit            = "rateLimits.limit"
	cfgKeyRateLimitsWindow           = "rateLimits.window"
	cfgKeyRateLimitsBurst            = "rateLimits.burst"
	cfgKeyRateLimitsAlg              = "rateLimits.alg"
	cfgKeyRateLimitsWaitMode         = "rateLimits.waitMode"
	cfgKeyRateLimitsWaitTimeout      = "rateLimits.waitTimeout"
	cfgKeyLoggerEnabled              = "logger.enabled"
	cfgKeyLoggerMode                 = "logger.mode"
	cfgKeyLoggerSlowRequestThreshold = "logger.slowRequestThreshold"
	cfgKeyMetricsEnabled             = "metrics.enabled"
	cfgKeyTimeout                    = "timeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RetriesConfig represents configuration options for the retry middleware.
type RetriesConfig struct {
	// Enabled is a flag that enables retries.
	Enabled bool `mapstructure:"enabled"`

	// MaxAttempts is the maximum number of attempts to retry the request.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// MinDelay is the initial backoff interval.
	MinDelay time.Duration `mapstructure:"minDelay"`

	// MaxDelay caps the computed backoff interval.
	MaxDelay time.Duration `mapstructure:"maxDelay"`

	// BackoffFactor is the exponential backoff multiplier.
	BackoffFactor float64 `mapstructure:"backoffFactor"`

	// Jitter enables full jitter for backoff delays.
	Jitter bool `mapstructure:"jitter"`

	// RespectRetryAfter makes the Retry-After response header override the backoff delay.
	RespectRetryAfter bool `mapstructure:"respectRetryAfter"`

	// PerAttemptTimeout bounds the duration of a single attempt.
	PerAttemptTimeout time.Duration `mapstructure:"perAttemptTimeout"`

	// TotalTimeout bounds the duration of the whole retry loop.
	TotalTimeout time.Duration `mapstructure:"totalTimeout"`
}

// Set is part of config interface implementation.
func (c *RetriesConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyRetriesEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	maxAttempts, err := dp.GetInt(cfgKeyRetriesMax)
	if err != nil {
		return err
	}
	if maxAttempts < 0 && maxAttempts != UnlimitedRetryAttempts {
		return errors.New("client max retry attempts must be positive")
	}
	c.MaxAttempts = maxAttempts

	if c.MinDelay, err = dp.GetDuration(cfgKeyRetriesMinDelay); err != nil {
		return err
	}
	if c.MaxDelay, err = dp.GetDuration(cfgKeyRetriesMaxDelay); err != nil {
		return err
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.New("client retry delays must be positive")
	}
	if c.MaxDelay != 0 && c.MaxDelay < c.MinDelay {
		return errors.New("client retry max delay must not be less than min delay")
	}

	if c.BackoffFactor, err = dp.GetFloat64(cfgKeyRetriesBackoffFactor); err != nil {
		return err
	}
	if c.BackoffFactor != 0 && c.BackoffFactor <= 1 {
		return errors.New("client retry backoff factor must be greater than 1")
	}

	if c.Jitter, err = dp.GetBool(cfgKeyRetriesJitter); err != nil {
		return err
	}
	if c.RespectRetryAfter, err = dp.GetBool(cfgKeyRetriesRespectRetryAfter); err != nil {
		return err
	}

	if c.PerAttemptTimeout, err = dp.GetDuration(cfgKeyRetriesPerAttemptTimeout); err != nil {
		return err
	}
	if c.TotalTimeout, err = dp.GetDuration(cfgKeyRetriesTotalTimeout); err != nil {
		return err
	}
	if c.PerAttemptTimeout < 0 || c.TotalTimeout < 0 {
		return errors.New("client retry timeouts must be positive")
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RetriesConfig) SetProviderDefaults(_ config.DataProvider) {}

// MiddlewareOpts returns middleware options.
func (c *RetriesConfig) MiddlewareOpts() RetryMiddlewareOpts {
	return RetryMiddlewareOpts{
		MaxRetryAttempts:  c.MaxAttempts,
		MinDelay:          c.MinDelay,
		MaxDelay:          c.MaxDelay,
		BackoffFactor:     c.BackoffFactor,
		Jitter:            c.Jitter,
		RespectRetryAfter: c.RespectRetryAfter,
		PerAttemptTimeout: c.PerAttemptTimeout,
		TotalTimeout:      c.TotalTimeout,
	}
}

// GetPolicy returns a retry policy built from the configured backoff parameters
// or nil when retries are disabled.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	if !c.Enabled {
		return nil
	}
	minDelay := c.MinDelay
	if minDelay == 0 {
		minDelay = DefaultExponentialBackoffInitialInterval
	}
	maxDelay := c.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultExponentialBackoffMaxInterval
	}
	factor := c.BackoffFactor
	if factor == 0 {
		factor = DefaultExponentialBackoffMultiplier
	}
	return NewExponentialBackoffPolicy(minDelay, maxDelay, factor, c.Jitter)
}

// CircuitBreakerConfig represents configuration options for the circuit breaker middleware.
type CircuitBreakerConfig struct {
	// Enabled is a flag that enables circuit breaking.
	Enabled bool `mapstructure:"enabled"`

	// FailureThreshold is the number of failures within FailureWindow that opens the circuit.
	FailureThreshold int `mapstructure:"failureThreshold"`

	// FailureWindow bounds the period within which failures are counted towards the threshold.
	FailureWindow time.Duration `mapstructure:"failureWindow"`

	// ResetTimeout is how long an open circuit waits before allowing a half-open probe.
	ResetTimeout time.Duration `mapstructure:"resetTimeout"`
}

// Set is part of config interface implementation.
func (c *CircuitBreakerConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyCircuitBreakerEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	if c.FailureThreshold, err = dp.GetInt(cfgKeyCircuitBreakerThreshold); err != nil {
		return err
	}
	if c.FailureThreshold < 0 {
		return errors.New("client circuit breaker failure threshold must be positive")
	}
	if c.FailureWindow, err = dp.GetDuration(cfgKeyCircuitBreakerWindow); err != nil {
		return err
	}
	if c.ResetTimeout, err = dp.GetDuration(cfgKeyCircuitBreakerResetTimeout); err != nil {
		return err
	}
	if c.FailureWindow < 0 || c.ResetTimeout < 0 {
		return errors.New("client circuit breaker failure window and reset timeout must be positive")
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *CircuitBreakerConfig) SetProviderDefaults(_ config.DataProvider) {}

// MiddlewareOpts returns middleware options.
func (c *CircuitBreakerConfig) MiddlewareOpts() CircuitBreakerMiddlewareOpts {
	return CircuitBreakerMiddlewareOpts{
		FailureThreshold: c.FailureThreshold,
		FailureWindow:    c.FailureWindow,
		ResetTimeout:     c.ResetTimeout,
	}
}

// CacheConfig represents configuration options for the response cache middleware.
type CacheConfig struct {
	// Enabled is a flag that enables response caching.
	Enabled bool `mapstructure:"enabled"`

	// TTL is the default freshness lifetime for responses without freshness headers.
	TTL time.Duration `mapstructure:"ttl"`

	// MaxEntries bounds the cache size.
	MaxEntries int `mapstructure:"maxEntries"`
}

// Set is part of config interface implementation.
func (c *CacheConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyCacheEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	if c.TTL, err = dp.GetDuration(cfgKeyCacheTTL); err != nil {
		return err
	}
	if c.TTL < 0 {
		return errors.New("client cache TTL must be positive")
	}
	if c.MaxEntries, err = dp.GetInt(cfgKeyCacheMaxEntries); err != nil {
		return err
	}
	if c.MaxEntries < 0 {
		return errors.New("client cache max entries must be positive")
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *CacheConfig) SetProviderDefaults(_ config.DataProvider) {}

// MiddlewareOpts returns middleware options.
func (c *CacheConfig) MiddlewareOpts() CacheMiddlewareOpts {
	return CacheMiddlewareOpts{
		DefaultTTL: c.TTL,
		MaxEntries: c.MaxEntries,
	}
}

// DedupeConfig represents configuration options for the request dedupe middleware.
type DedupeConfig struct {
	// Enabled is a flag that enables request deduplication.
	Enabled bool `mapstructure:"enabled"`

	// MaxAge bounds how long an in-flight request can be joined.
	MaxAge time.Duration `mapstructure:"maxAge"`

	// MaxPending bounds the number of tracked in-flight requests.
	MaxPending int `mapstructure:"maxPending"`
}

// Set is part of config interface implementation.
func (c *DedupeConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyDedupeEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	if c.MaxAge, err = dp.GetDuration(cfgKeyDedupeMaxAge); err != nil {
		return err
	}
	if c.MaxAge < 0 {
		return errors.New("client dedupe max age must be positive")
	}
	if c.MaxPending, err = dp.GetInt(cfgKeyDedupeMaxPending); err != nil {
		return err
	}
	if c.MaxPending < 0 {
		return errors.New("client dedupe max pending must be positive")
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *DedupeConfig) SetProviderDefaults(_ config.DataProvider) {}

// MiddlewareOpts returns middleware options.
func (c *DedupeConfig) MiddlewareOpts() DedupeMiddlewareOpts {
	return DedupeMiddlewareOpts{
		MaxAge:     c.MaxAge,
		MaxPending: c.MaxPending,
	}
}

// RateLimitConfig represents configuration options for the rate limit middleware.
type RateLimitConfig struct {
	// Enabled is a flag that enables rate limiting.
	Enabled bool `mapstructure:"enabled"`

	// Limit is the maximum number of requests that can be made per Window.
	Limit int `mapstructure:"limit"`

	// Window is the period to which Limit applies. One second by default.
	Window time.Duration `mapstructure:"window"`

	// Burst allows temporary spikes in request rate.
	Burst int `mapstructure:"burst"`

	// Alg is the rate limiting algorithm: [token_bucket, sliding_window, leaky_bucket].
	Alg string `mapstructure:"alg"`

	// WaitMode makes exhausted calls wait for the next slot instead of rejecting them.
	WaitMode bool `mapstructure:"waitMode"`

	// WaitTimeout is the maximum time to wait for the next slot in wait mode.
	WaitTimeout time.Duration `mapstructure:"waitTimeout"`
}

// Set is part of config interface implementation.
func (c *RateLimitConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyRateLimitsEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	limit, err := dp.GetInt(cfgKeyRateLimitsLimit)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return errors.New("client rate limit must be positive")
	}
	c.Limit = limit

	if c.Window, err = dp.GetDuration(cfgKeyRateLimitsWindow); err != nil {
		return err
	}
	if c.Window < 0 {
		return errors.New("client rate limit window must be positive")
	}
	if c.Window == 0 {
		c.Window = time.Second
	}

	burst, err := dp.GetInt(cfgKeyRateLimitsBurst)
	if err != nil {
		return err
	}
	if burst < 0 {
		return errors.New("client burst must be positive")
	}
	c.Burst = burst

	alg, err := dp.GetString(cfgKeyRateLimitsAlg)
	if err != nil {
		return err
	}
	if alg != "" && !ratelimit.Alg(alg).IsValid() {
		return errors.New("client rate limit alg must be one of: [token_bucket, sliding_window, leaky_bucket]")
	}
	c.Alg = alg

	if c.WaitMode, err = dp.GetBool(cfgKeyRateLimitsWaitMode); err != nil {
		return err
	}
	waitTimeout, err := dp.GetDuration(cfgKeyRateLimitsWaitTimeout)
	if err != nil {
		return err
	}
	if waitTimeout < 0 {
		return errors.New("client wait timeout must be positive")
	}
	c.WaitTimeout = waitTimeout

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RateLimitConfig) SetProviderDefaults(_ config.DataProvider) {}

// Rate returns the configured maximum rate.
func (c *RateLimitConfig) Rate() ratelimit.Rate {
	return ratelimit.Rate{Count: c.Limit, Duration: c.Window}
}

// MiddlewareOpts returns middleware options.
func (c *RateLimitConfig) MiddlewareOpts() RateLimitMiddlewareOpts {
	return RateLimitMiddlewareOpts{
		Alg:         ratelimit.Alg(c.Alg),
		MaxBurst:    c.Burst,
		WaitMode:    c.WaitMode,
		WaitTimeout: c.WaitTimeout,
	}
}

// LoggerConfig represents configuration options for client request logs.
type LoggerConfig struct {
	// Enabled is a flag that enables logging.
	Enabled bool `mapstructure:"enabled"`

	// SlowRequestThreshold is a threshold for slow requests.
	SlowRequestThreshold time.Duration `mapstructure:"slowRequestThreshold"`

	// Mode of logging.
	Mode string `mapstructure:"mode"`
}

// Set is part of config interface implementation.
func (c *LoggerConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyLoggerEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	slowRequestThreshold, err := dp.GetDuration(cfgKeyLoggerSlowRequestThreshold)
	if err != nil {
		return err
	}
	if slowRequestThreshold < 0 {
		return errors.New("client logger slow request threshold can not be negative")
	}
	c.SlowRequestThreshold = slowRequestThreshold

	mode, err := dp.GetString(cfgKeyLoggerMode)
	if err != nil {
		return err
	}
	if !LoggingMode(mode).IsValid() {
		return errors.New("client logger invalid mode, choose one of: [none, all, failed]")
	}
	c.Mode = mode

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *LoggerConfig) SetProviderDefaults(_ config.DataProvider) {}

// MiddlewareOpts returns middleware options.
func (c *LoggerConfig) MiddlewareOpts() LoggingMiddlewareOpts {
	return LoggingMiddlewareOpts{
		Mode:                 LoggingMode(c.Mode),
		SlowRequestThreshold: c.SlowRequestThreshold,
	}
}

// MetricsConfig represents configuration options for client request metrics.
type MetricsConfig struct {
	// Enabled is a flag that enables metrics.
	Enabled bool `mapstructure:"enabled"`
}

// Set is part of config interface implementation.
func (c *MetricsConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyMetricsEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *MetricsConfig) SetProviderDefaults(_ config.DataProvider) {}

// Config represents options for resilient HTTP client configuration.
type Config struct {
	// Retries is a configuration for the retry middleware.
	Retries RetriesConfig `mapstructure:"retries"`

	// CircuitBreaker is a configuration for the circuit breaker middleware.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker"`

	// Cache is a configuration for the response cache middleware.
	Cache CacheConfig `mapstructure:"cache"`

	// Dedupe is a configuration for the request dedupe middleware.
	Dedupe DedupeConfig `mapstructure:"dedupe"`

	// RateLimits is a configuration for the rate limit middleware.
	RateLimits RateLimitConfig `mapstructure:"rateLimits"`

	// Logger is a configuration for client request logs.
	Logger LoggerConfig `mapstructure:"logger"`

	// Metrics is a configuration for client request metrics.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Timeout is the maximum time to wait for a request to be made.
	Timeout time.Duration `mapstructure:"timeout"`

	// keyPrefix is a prefix for configuration parameters.
	keyPrefix string
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Set is part of config interface implementation.
func (c *Config) Set(dp config.DataProvider) error {
	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	c.Timeout = timeout

	// The key prefix is already applied by the loader (see config.KeyPrefixProvider),
	// so sections read their keys from the provider as is.
	for _, section := range []config.Config{
		&c.Retries, &c.CircuitBreaker, &c.Cache, &c.Dedupe, &c.RateLimits, &c.Logger, &c.Metrics,
	} {
		if err = section.Set(dp); err != nil {
			return err
		}
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
	c.Timeout = DefaultClientWaitTimeout
}
