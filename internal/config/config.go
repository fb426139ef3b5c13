// Package config loads dispatcher and load-generator settings from an
// optional YAML file and RESTLIMIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/restlimit/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. RESTLIMIT_BASE_URL.
const EnvPrefix = "RESTLIMIT"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config mirrors the keys of the YAML file.
type Config struct {
	BaseURL string `mapstructure:"base_url"`

	// MaxRateLimitRetries of 0 surfaces the first 429 like RetryOnRateLimit=false.
	MaxRateLimitRetries int  `mapstructure:"max_rate_limit_retries"`
	RetryOnRateLimit    bool `mapstructure:"retry_on_rate_limit"`

	SlotConcurrency int64 `mapstructure:"slot_concurrency"`
	SlotPoolSize    int   `mapstructure:"slot_pool_size"`

	// GlobalRequestsPerSecond of 0 disables the proactive ceiling.
	GlobalRequestsPerSecond float64 `mapstructure:"global_requests_per_second"`
	GlobalBurst             int     `mapstructure:"global_burst"`

	NumericBucketLifespan time.Duration `mapstructure:"numeric_bucket_lifespan"`
	TokenBucketLifespan   time.Duration `mapstructure:"token_bucket_lifespan"`
	LedgerCapacity        int           `mapstructure:"ledger_capacity"`

	LogLevel          string `mapstructure:"log_level"`
	ProductionLogging bool   `mapstructure:"production_logging"`
	MetricsAddr       string `mapstructure:"metrics_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://127.0.0.1:8080")
	v.SetDefault("max_rate_limit_retries", ratelimit.DefaultMaxRateLimitRetries)
	v.SetDefault("retry_on_rate_limit", true)
	v.SetDefault("slot_concurrency", 1)
	v.SetDefault("slot_pool_size", 64)
	v.SetDefault("global_requests_per_second", 0)
	v.SetDefault("global_burst", 1)
	v.SetDefault("numeric_bucket_lifespan", ratelimit.DefaultNumericLifespan)
	v.SetDefault("token_bucket_lifespan", ratelimit.DefaultTokenLifespan)
	v.SetDefault("ledger_capacity", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("production_logging", false)
	v.SetDefault("metrics_addr", "")
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q is not an absolute URL", c.BaseURL))
	}
	if c.MaxRateLimitRetries < 0 {
		errs = append(errs, fmt.Errorf("max_rate_limit_retries must be >= 0, got %d", c.MaxRateLimitRetries))
	}
	if c.SlotConcurrency < 1 {
		errs = append(errs, fmt.Errorf("slot_concurrency must be >= 1, got %d", c.SlotConcurrency))
	}
	if c.SlotPoolSize < 0 {
		errs = append(errs, fmt.Errorf("slot_pool_size must be >= 0, got %d", c.SlotPoolSize))
	}
	if c.GlobalRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("global_requests_per_second must be >= 0, got %g", c.GlobalRequestsPerSecond))
	}
	if c.GlobalRequestsPerSecond > 0 && c.GlobalBurst < 1 {
		errs = append(errs, fmt.Errorf("global_burst must be >= 1 with a request ceiling, got %d", c.GlobalBurst))
	}
	if c.NumericBucketLifespan <= 0 || c.TokenBucketLifespan <= 0 {
		errs = append(errs, errors.New("bucket lifespans must be positive"))
	}
	if c.LedgerCapacity < 0 {
		errs = append(errs, fmt.Errorf("ledger_capacity must be >= 0, got %d", c.LedgerCapacity))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// DispatcherOptions translates c into ratelimit.Options. Logger and Metrics
// are left for the caller.
func (c *Config) DispatcherOptions() ratelimit.Options {
	opt := ratelimit.Options{
		MaxRateLimitRetries: c.MaxRateLimitRetries,
		SurfaceRateLimits:   !c.RetryOnRateLimit || c.MaxRateLimitRetries == 0,
		SlotConcurrency:     c.SlotConcurrency,
		SlotPoolSize:        c.SlotPoolSize,
		NumericLifespan:     c.NumericBucketLifespan,
		TokenLifespan:       c.TokenBucketLifespan,
		LedgerCapacity:      c.LedgerCapacity,
	}
	if c.GlobalRequestsPerSecond > 0 {
		opt.GlobalRate = rate.Limit(c.GlobalRequestsPerSecond)
		opt.GlobalBurst = c.GlobalBurst
	}
	return opt
}

// Logger builds a production (JSON) or development (console) zap logger at
// LogLevel.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}
	zc := zap.NewDevelopmentConfig()
	if c.ProductionLogging {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
