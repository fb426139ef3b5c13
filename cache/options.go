package cache

import (
	"time"

	"github.com/IvanBrykalov/restlimit/policy"
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
// Hooks are invoked under the cache lock; keep them cheap.
type Metrics interface {
	Hit()
	Miss()
	Evict()
	Grow(capacity int)
	Size(entries int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Cache. Zero values are safe;
// defaults are applied in New():
//   - Capacity < 3     => 16 (values 1..2 are raised to 3)
//   - nil Policy       => policy.Oldest()
//   - nil Hash         => util.Fnv64a
//   - GrowthFactor <=1 => 2
//   - nil Metrics      => NoopMetrics
type Options[K comparable, V any] struct {
	// Capacity is the initial number of slots. Whether it is a hard limit
	// depends on Policy: the cache only grows when Policy refuses to evict.
	Capacity int

	// Policy decides between evicting the oldest entry and growing.
	Policy policy.Eviction

	// Hash maps keys to bucket chains. Keys are compared with ==, so Hash
	// must agree with it: equal keys must hash equally.
	Hash func(K) uint64

	// GrowthFactor multiplies the entry count when the cache grows.
	GrowthFactor float64

	// OnEvict is called under the cache lock for every entry dropped by
	// Policy. Explicit Remove and Clear do not trigger it.
	OnEvict func(k K, v V, ts time.Time)
	Metrics Metrics

	// Clock overrides the time source used for the epoch and entry ages.
	Clock Clock
}

const (
	defaultCapacity     = 16
	minCapacity         = 3
	defaultGrowthFactor = 2.0
)
