// Package cache provides a generic, bounded, timestamp-ordered associative
// container with a pluggable eviction policy.
//
// Design
//
//   - Storage: an arena of slots in flat arrays addressed by int32 indices.
//     Keys are located through a prime-sized table of bucket chains threaded
//     through the slots. The table size is the smallest prime from an
//     ascending list that exceeds the capacity, which keeps a full cache at a
//     load factor between 0.5 and 1.0.
//
//   - Ordering: live slots form a doubly linked queue sorted by timestamp,
//     oldest first. Timestamps are stored as int32 seconds relative to an
//     epoch captured at construction (truncated to the second). Insertion
//     walks backward from the newest entry, so non-decreasing timestamps
//     are placed in O(1); out-of-order timestamps cost a walk proportional
//     to how far back they land.
//
//   - Policies: when the cache is full and a new key arrives, the
//     policy.Eviction decides whether the oldest entry is dropped or the
//     storage grows by Options.GrowthFactor. Replacing an existing key never
//     consults the policy. See package policy for the stock variants.
//
//   - Concurrency: one mutex guards each Cache. Iteration via All takes the
//     lock per step, so it is weakly consistent under concurrent mutation.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Grow/Size signals.
//     By default NoopMetrics is used; plug the Prometheus adapter from
//     metrics/prom to export them.
//
// Basic usage
//
//	c := cache.New[string, int](cache.Options[string, int]{Capacity: 1024})
//	c.Set("a", 1, time.Now())
//	if it, ok := c.Get("a"); ok {
//	    _ = it.Value
//	}
//	for k, it := range c.All() { // oldest first
//	    fmt.Println(k, it.Value, it.Timestamp)
//	}
//
// Keeping fresh entries while dropping stale ones
//
//	c := cache.New[string, int](cache.Options[string, int]{
//	    Capacity: 1024,
//	    Policy:   policy.NewLifespan(time.Hour), // grow unless the oldest is > 1h old
//	})
//
// Composite keys
//
// The default hasher covers strings, integers, bools and fmt.Stringer keys
// and panics on anything else. Struct keys are compared with == but need a
// hasher, for example:
//
//	type key struct{ id uint64; bucket string }
//	seed := maphash.MakeSeed()
//	c := cache.New[key, int64](cache.Options[key, int64]{
//	    Hash: func(k key) uint64 { return maphash.Comparable(seed, k) },
//	})
package cache
