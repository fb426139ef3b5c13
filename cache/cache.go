package cache

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/IvanBrykalov/restlimit/internal/util"
	"github.com/IvanBrykalov/restlimit/policy"
)

var (
	// ErrNotFound is returned by Lookup when the key is absent.
	ErrNotFound = errors.New("cache: key not found")
	// ErrDuplicateKey is returned by Add when the key is already present.
	ErrDuplicateKey = errors.New("cache: duplicate key")
	// ErrNilKey is returned when an interface-typed key is nil.
	ErrNilKey = errors.New("cache: nil key")
)

// Item is a cached value together with the timestamp that orders it.
// Timestamps are kept with one-second precision.
type Item[V any] struct {
	Value     V
	Timestamp time.Time
}

// Cache is a bounded associative container ordered by per-entry timestamps.
// All methods are safe for concurrent use; a single mutex guards every
// operation, including each individual step of an iteration.
type Cache[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	buckets []int32 // chain heads; 0 = empty chain
	keys    []K
	vals    []V
	entries []entry
	count   int
	tail    int32 // newest live slot, 0 when empty

	epoch time.Time
	hash  func(K) uint64
	opt   Options[K, V]

	// ---- hot counters ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicUint64
	misses util.PaddedAtomicUint64
	evicts util.PaddedAtomicUint64
	grows  util.PaddedAtomicUint64
}

// New constructs an empty cache with the provided Options.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	if opt.Capacity <= 0 {
		opt.Capacity = defaultCapacity
	}
	if opt.Policy == nil {
		opt.Policy = policy.Oldest()
	}
	if opt.GrowthFactor <= 1 {
		opt.GrowthFactor = defaultGrowthFactor
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	hash := opt.Hash
	if hash == nil {
		hash = util.Fnv64a[K]
	}

	c := &Cache[K, V]{hash: hash, opt: opt}
	// Timestamps are whole seconds, so the epoch is truncated to one.
	c.epoch = time.Unix(c.now().Unix(), 0)
	c.reset(opt.Capacity)
	return c
}

// Get returns the item stored under k and a presence flag.
// Unlike an LRU, reads never reorder entries.
func (c *Cache[K, V]) Get(k K) (Item[V], bool) {
	if isNil(k) {
		return Item[V]{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(k)
	if i == 0 {
		c.misses.Add(1)
		c.opt.Metrics.Miss()
		return Item[V]{}, false
	}
	c.hits.Add(1)
	c.opt.Metrics.Hit()
	return c.itemAt(i), true
}

// Lookup is Get for callers that expect the key to be present.
// It returns ErrNotFound (wrapped with the key) on a miss.
func (c *Cache[K, V]) Lookup(k K) (Item[V], error) {
	if isNil(k) {
		return Item[V]{}, ErrNilKey
	}
	it, ok := c.Get(k)
	if !ok {
		return Item[V]{}, fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	return it, nil
}

// Set inserts or replaces k→v stamped with ts.
// A replaced entry is repositioned according to its new timestamp; a new
// entry may trigger eviction of the oldest entry or growth, per Policy.
//
// Set silently drops a nil interface key. Callers whose keys may be nil
// should use Put, which reports ErrNilKey instead.
func (c *Cache[K, V]) Set(k K, v V, ts time.Time) { _ = c.Put(k, v, ts) }

// Put is Set that rejects a nil interface key with ErrNilKey.
func (c *Cache[K, V]) Put(k K, v V, ts time.Time) error {
	if isNil(k) {
		return ErrNilKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(k, v, ts)
	return nil
}

// Add inserts k→v only if k is absent. It returns ErrDuplicateKey otherwise
// and leaves the existing entry untouched.
func (c *Cache[K, V]) Add(k K, v V, ts time.Time) error {
	if isNil(k) {
		return ErrNilKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.find(k) != 0 {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, k)
	}
	c.insert(k, v, c.toStamp(ts))
	return nil
}

// Merge atomically reads the current value of k (ok=false when absent) and
// lets fn decide the replacement. When fn returns keep=false nothing is
// written. The written entry is stamped with ts. Merge reports whether a
// write happened.
func (c *Cache[K, V]) Merge(k K, ts time.Time, fn func(old V, ok bool) (v V, keep bool)) bool {
	if isNil(k) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(k)
	if i == 0 {
		var zero V
		v, keep := fn(zero, false)
		if !keep {
			return false
		}
		c.insert(k, v, c.toStamp(ts))
		return true
	}

	v, keep := fn(c.vals[i], true)
	if !keep {
		return false
	}
	c.vals[i] = v
	c.place(i, c.toStamp(ts))
	return true
}

// Remove deletes k if present and returns true on success.
func (c *Cache[K, V]) Remove(k K) bool {
	if isNil(k) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(k)
	if i == 0 {
		return false
	}
	c.remove(i)
	return true
}

// Oldest returns the entry with the smallest timestamp.
func (c *Cache[K, V]) Oldest() (K, Item[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edgeLocked(c.entries[0].next)
}

// Newest returns the entry with the largest timestamp.
func (c *Cache[K, V]) Newest() (K, Item[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edgeLocked(c.tail)
}

func (c *Cache[K, V]) edgeLocked(i int32) (K, Item[V], bool) {
	if c.count == 0 {
		var zero K
		return zero, Item[V]{}, false
	}
	return c.keys[i], c.itemAt(i), true
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Capacity returns the number of slots currently allocated.
func (c *Cache[K, V]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityLocked()
}

// Clear drops every entry, keeping the current capacity.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(c.capacityLocked())
	c.opt.Metrics.Size(0)
}

// Stats returns a snapshot of the hit/miss/eviction/growth counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
		Grows:     c.grows.Load(),
	}
}

// All yields entries from oldest to newest. The sequence is lazy and may be
// ranged over any number of times.
//
// The lock is held for one step at a time, not for the whole traversal:
// entries changed concurrently may be skipped or seen twice, and the walk
// stops early if the entry it stands on is removed.
func (c *Cache[K, V]) All() iter.Seq2[K, Item[V]] {
	return func(yield func(K, Item[V]) bool) {
		var pos int32
		for {
			k, it, next, ok := c.step(pos)
			if !ok || !yield(k, it) {
				return
			}
			pos = next
		}
	}
}

// Keys returns a snapshot of the keys from oldest to newest.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.count)
	for i, n := c.entries[0].next, 0; n < c.count; i, n = c.entries[i].next, n+1 {
		keys = append(keys, c.keys[i])
	}
	return keys
}

// step advances an iteration standing on pos (0 = before the head).
func (c *Cache[K, V]) step(pos int32) (K, Item[V], int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero K
	if int(pos) >= len(c.entries)-1 || pos == c.tail {
		return zero, Item[V]{}, 0, false
	}
	if pos != 0 && !c.entries[pos].live {
		return zero, Item[V]{}, 0, false
	}
	n := c.entries[pos].next
	return c.keys[n], c.itemAt(n), n, true
}

// isNil reports whether k is a nil interface value.
func isNil[K comparable](k K) bool { return any(k) == nil }
