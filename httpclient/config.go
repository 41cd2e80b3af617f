/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-apiclient/ratelimit"
)

const (
	// DefaultClientWaitTimeout is a default timeout for a client to wait for a request.
	DefaultClientWaitTimeout = 10 * time.Second

	// RetryPolicyExponential is a policy for exponential retries.
	RetryPolicyExponential = "exponential"

	// RetryPolicyConstant is a policy for constant retries.
	RetryPolicyConstant = "constant"

	// configuration properties
	cfgKeyRateLimitWindows                                 = "rateLimits.windows"
	cfgKeyCacheEnabled                                     = "cache.enabled"
	cfgKeyCacheDefaultTTL                                  = "cache.defaultTTL"
	cfgKeyCacheCoalesceIdenticalCalls                      = "cache.coalesceIdenticalCalls"
	cfgKeyAuthHeaderName                                   = "auth.headerName"
	cfgKeyAuthKey                                          = "auth.key"
	cfgKeyThrottlingDefaultRetryAfter                      = "throttling.defaultRetryAfter"
	cfgKeyTransportRetriesEnabled                          = "transportRetries.enabled"
	cfgKeyTransportRetriesMax                              = "transportRetries.maxAttempts"
	cfgKeyTransportRetriesPolicyStrategy                   = "transportRetries.policy.strategy"
	cfgKeyTransportRetriesPolicyExponentialInitialInterval = "transportRetries.policy.exponentialBackoffInitialInterval"
	cfgKeyTransportRetriesPolicyConstantInterval           = "transportRetries.policy.constantBackoffInterval"
	cfgKeyTimeout                                          = "timeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RateLimitConfig represents configuration options for the client-side rate windows.
type RateLimitConfig struct {
	// Windows is the set of simultaneously enforced rate windows,
	// e.g. {"1s": 20, "2m": 100}.
	Windows []ratelimit.Window `mapstructure:"windows"`
}

// Set is part of config interface implementation.
func (c *RateLimitConfig) Set(dp config.DataProvider) error {
	rawWindows, err := dp.GetStringMapString(cfgKeyRateLimitWindows)
	if err != nil {
		return err
	}
	if len(rawWindows) == 0 {
		return errors.New("at least one rate limit window is required")
	}

	windows := make([]ratelimit.Window, 0, len(rawWindows))
	for rawInterval, rawLimit := range rawWindows {
		interval, parseErr := time.ParseDuration(rawInterval)
		if parseErr != nil {
			return fmt.Errorf("invalid rate limit window interval (%s): %w", rawInterval, parseErr)
		}
		limit, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil {
			return fmt.Errorf("invalid rate limit window limit (%s): %w", rawLimit, parseErr)
		}
		if limit <= 0 {
			return fmt.Errorf("rate limit window limit must be positive, got %d", limit)
		}
		windows = append(windows, ratelimit.Window{Interval: interval, Limit: limit})
	}
	c.Windows = windows
	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RateLimitConfig) SetProviderDefaults(_ config.DataProvider) {}

// CacheConfig represents configuration options for the response cache.
type CacheConfig struct {
	// Enabled is a flag that enables response caching.
	Enabled bool `mapstructure:"enabled"`

	// DefaultTTL is used for requests that enable caching without specifying a TTL.
	DefaultTTL time.Duration `mapstructure:"defaultTTL"`

	// CoalesceIdenticalCalls makes concurrent cache misses for the same key
	// share one upstream call.
	CoalesceIdenticalCalls bool `mapstructure:"coalesceIdenticalCalls"`
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

	defaultTTL, err := dp.GetDuration(cfgKeyCacheDefaultTTL)
	if err != nil {
		return err
	}
	if defaultTTL < 0 {
		return errors.New("cache default TTL must be positive")
	}
	c.DefaultTTL = defaultTTL

	coalesce, err := dp.GetBool(cfgKeyCacheCoalesceIdenticalCalls)
	if err != nil {
		return err
	}
	c.CoalesceIdenticalCalls = coalesce

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *CacheConfig) SetProviderDefaults(_ config.DataProvider) {}

// AuthConfig represents configuration options for the credential
// carried on every outbound call.
type AuthConfig struct {
	// HeaderName is the HTTP header the credential is set in.
	HeaderName string `mapstructure:"headerName"`

	// Key is the credential itself.
	Key string `mapstructure:"key"`
}

// Set is part of config interface implementation.
func (c *AuthConfig) Set(dp config.DataProvider) error {
	headerName, err := dp.GetString(cfgKeyAuthHeaderName)
	if err != nil {
		return err
	}
	if headerName == "" {
		headerName = DefaultAPIKeyHeaderName
	}
	c.HeaderName = headerName

	key, err := dp.GetString(cfgKeyAuthKey)
	if err != nil {
		return err
	}
	c.Key = key

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *AuthConfig) SetProviderDefaults(_ config.DataProvider) {}

// ThrottlingConfig represents configuration options for handling 429 responses.
type ThrottlingConfig struct {
	// DefaultRetryAfter is the cool-down applied after a 429 response without
	// a Retry-After header.
	DefaultRetryAfter time.Duration `mapstructure:"defaultRetryAfter"`
}

// Set is part of config interface implementation.
func (c *ThrottlingConfig) Set(dp config.DataProvider) error {
	defaultRetryAfter, err := dp.GetDuration(cfgKeyThrottlingDefaultRetryAfter)
	if err != nil {
		return err
	}
	if defaultRetryAfter < 0 {
		return errors.New("default retry-after must be positive")
	}
	if defaultRetryAfter == 0 {
		defaultRetryAfter = DefaultRetryAfter
	}
	c.DefaultRetryAfter = defaultRetryAfter
	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *ThrottlingConfig) SetProviderDefaults(_ config.DataProvider) {}

// PolicyConfig represents configuration options for the transport retry policy.
type PolicyConfig struct {
	// Strategy is a strategy for retry policy.
	Strategy string `mapstructure:"strategy"`

	// ExponentialBackoffInitialInterval is the initial interval for exponential backoff.
	ExponentialBackoffInitialInterval time.Duration `mapstructure:"exponentialBackoffInitialInterval"`

	// ConstantBackoffInterval is the interval for constant backoff.
	ConstantBackoffInterval time.Duration `mapstructure:"constantBackoffInterval"`
}

// Set is part of config interface implementation.
func (c *PolicyConfig) Set(dp config.DataProvider) error {
	strategy, err := dp.GetString(cfgKeyTransportRetriesPolicyStrategy)
	if err != nil {
		return err
	}
	if strategy != "" && strategy != RetryPolicyExponential && strategy != RetryPolicyConstant {
		return errors.New("transport retry policy must be one of: [exponential, constant]")
	}
	c.Strategy = strategy

	switch c.Strategy {
	case RetryPolicyExponential:
		var interval time.Duration
		interval, err = dp.GetDuration(cfgKeyTransportRetriesPolicyExponentialInitialInterval)
		if err != nil {
			return err
		}
		if interval < 0 {
			return errors.New("transport retry exponential backoff initial interval must be positive")
		}
		c.ExponentialBackoffInitialInterval = interval
	case RetryPolicyConstant:
		var interval time.Duration
		interval, err = dp.GetDuration(cfgKeyTransportRetriesPolicyConstantInterval)
		if err != nil {
			return err
		}
		if interval < 0 {
			return errors.New("transport retry constant backoff interval must be positive")
		}
		c.ConstantBackoffInterval = interval
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *PolicyConfig) SetProviderDefaults(_ config.DataProvider) {}

// RetriesConfig represents configuration options for retrying
// network-level failures.
type RetriesConfig struct {
	// Enabled is a flag that enables transport retries.
	Enabled bool `mapstructure:"enabled"`

	// MaxAttempts is the maximum number of attempts to retry the exchange.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// Policy of a retry: [exponential, constant]. default is exponential.
	Policy PolicyConfig `mapstructure:"policy"`
}

// GetPolicy returns a retry policy based on the configured strategy
// or nil if retries are disabled.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	if !c.Enabled {
		return nil
	}
	if c.Policy.Strategy == RetryPolicyConstant {
		return retry.NewConstantBackoffPolicy(c.Policy.ConstantBackoffInterval, c.MaxAttempts)
	}
	initialInterval := c.Policy.ExponentialBackoffInitialInterval
	if initialInterval == 0 {
		initialInterval = time.Second
	}
	return retry.NewExponentialBackoffPolicy(initialInterval, c.MaxAttempts)
}

// Set is part of config interface implementation.
func (c *RetriesConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyTransportRetriesEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	maxAttempts, err := dp.GetInt(cfgKeyTransportRetriesMax)
	if err != nil {
		return err
	}
	if maxAttempts < 0 {
		return errors.New("transport max retry attempts must be positive")
	}
	c.MaxAttempts = maxAttempts

	return c.Policy.Set(dp)
}

// SetProviderDefaults is part of config interface implementation.
func (c *RetriesConfig) SetProviderDefaults(_ config.DataProvider) {}

// Config represents options for the API client configuration.
type Config struct {
	// RateLimits is a configuration for the client-side rate windows.
	RateLimits RateLimitConfig `mapstructure:"rateLimits"`

	// Cache is a configuration for the response cache.
	Cache CacheConfig `mapstructure:"cache"`

	// Auth is a configuration for the outbound credential.
	Auth AuthConfig `mapstructure:"auth"`

	// Throttling is a configuration for handling 429 responses.
	Throttling ThrottlingConfig `mapstructure:"throttling"`

	// TransportRetries is a configuration for retrying network-level failures.
	TransportRetries RetriesConfig `mapstructure:"transportRetries"`

	// Timeout is the maximum time to wait for a single HTTP exchange.
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
	dp = config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)

	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	if timeout < 0 {
		return errors.New("client timeout must be positive")
	}
	c.Timeout = timeout

	for _, subCfg := range []config.Config{
		&c.RateLimits, &c.Cache, &c.Auth, &c.Throttling, &c.TransportRetries,
	} {
		if err = subCfg.Set(dp); err != nil {
			return err
		}
	}
	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp = config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)
	dp.SetDefault(cfgKeyTimeout, DefaultClientWaitTimeout)
}
