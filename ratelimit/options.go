package ratelimit

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/restlimit/cache"
	"github.com/IvanBrykalov/restlimit/keyedmutex"
)

// Defaults applied by New.
const (
	DefaultMaxRateLimitRetries = 3
	DefaultNumericLifespan     = 7 * 24 * time.Hour
	DefaultTokenLifespan       = time.Hour
	defaultLedgerCapacity      = 64
)

// Options configures a Dispatcher. Zero values are safe;
// defaults are applied in New():
//   - MaxRateLimitRetries <= 0 => 3
//   - SlotConcurrency <= 0     => 1
//   - SlotPoolSize <= 0        => keyedmutex.DefaultPoolSize
//   - GlobalRate == 0          => no proactive ceiling
//   - NumericLifespan <= 0     => 7 days
//   - TokenLifespan <= 0       => 1 hour
//   - nil Logger, Metrics, Clock => no-op logger, NoopMetrics, wall clock
type Options struct {
	// MaxRateLimitRetries bounds the internal retries after a 429. Zero
	// means the default; set SurfaceRateLimits to disable retries.
	MaxRateLimitRetries int
	// SurfaceRateLimits returns the first 429 as *RateLimitedError instead
	// of waiting and retrying.
	SurfaceRateLimits bool

	// SlotConcurrency is how many requests may be in flight per
	// (scope, bucket) at once.
	SlotConcurrency int64
	SlotPoolSize    int

	// GlobalRate and GlobalBurst cap outgoing requests per second across
	// the whole dispatcher, before any 429 is seen.
	GlobalRate  rate.Limit
	GlobalBurst int

	// NumericLifespan and TokenLifespan are how long an idle retry record
	// of a numeric or token scope is kept once its ledger is full.
	NumericLifespan time.Duration
	TokenLifespan   time.Duration
	// LedgerCapacity is the initial capacity of each ledger tier.
	LedgerCapacity int

	Logger  *zap.Logger
	Metrics Metrics
	// CacheMetrics, when set, is asked once per ledger tier for the hooks
	// of that tier's cache. Names look like "numeric/shared".
	CacheMetrics func(name string) cache.Metrics
	Clock        Clock
}

func (o Options) withDefaults() Options {
	if o.MaxRateLimitRetries <= 0 {
		o.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if o.SlotConcurrency <= 0 {
		o.SlotConcurrency = 1
	}
	if o.SlotPoolSize <= 0 {
		o.SlotPoolSize = keyedmutex.DefaultPoolSize
	}
	if o.GlobalRate != 0 && o.GlobalBurst <= 0 {
		o.GlobalBurst = 1
	}
	if o.NumericLifespan <= 0 {
		o.NumericLifespan = DefaultNumericLifespan
	}
	if o.TokenLifespan <= 0 {
		o.TokenLifespan = DefaultTokenLifespan
	}
	if o.LedgerCapacity <= 0 {
		o.LedgerCapacity = defaultLedgerCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

func (o Options) cacheMetrics(name string) cache.Metrics {
	if o.CacheMetrics == nil {
		return nil
	}
	return o.CacheMetrics(name)
}
