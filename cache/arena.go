package cache

import (
	"math"
	"time"

	"github.com/IvanBrykalov/restlimit/internal/util"
)

// -------------------- internals (mu held) --------------------

// reset allocates empty storage for capacity slots.
func (c *Cache[K, V]) reset(capacity int) {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	c.buckets = make([]int32, util.BucketCount(capacity))
	c.keys = make([]K, capacity+1)
	c.vals = make([]V, capacity+1)
	c.entries = make([]entry, capacity+2)
	for i := range c.entries {
		c.entries[i].prev = int32(i - 1)
		c.entries[i].next = int32(i + 1)
	}
	c.count = 0
	c.tail = 0
}

func (c *Cache[K, V]) capacityLocked() int { return len(c.entries) - 2 }

func (c *Cache[K, V]) bucketOf(k K) int {
	return int(c.hash(k) % uint64(len(c.buckets)))
}

// find walks the bucket chain of k. Returns 0 on a miss.
func (c *Cache[K, V]) find(k K) int32 {
	for i := c.buckets[c.bucketOf(k)]; i != 0; i = c.entries[i].bucketNext {
		if c.keys[i] == k {
			return i
		}
	}
	return 0
}

func (c *Cache[K, V]) unlink(i int32) {
	p, n := c.entries[i].prev, c.entries[i].next
	c.entries[p].next = n
	c.entries[n].prev = p
}

func (c *Cache[K, V]) link(i, p, n int32) {
	c.entries[i].prev = p
	c.entries[i].next = n
	c.entries[p].next = i
	c.entries[n].prev = i
}

// place stamps slot i with ts and moves it to its sorted queue position.
// The search walks backward from the tail, so timestamps that arrive in
// non-decreasing order cost O(1); adversarial timestamps degrade to O(n).
func (c *Cache[K, V]) place(i int32, ts int32) {
	c.entries[i].ts = ts
	if c.tail == i {
		c.tail = c.entries[i].prev
	}
	c.unlink(i)

	p := c.tail
	n := c.entries[p].next
	for p != 0 && ts < c.entries[p].ts {
		n = p
		p = c.entries[p].prev
	}
	c.link(i, p, n)
	if c.tail == p {
		c.tail = i
	}
}

// setLocked replaces k in place or inserts it.
func (c *Cache[K, V]) setLocked(k K, v V, t time.Time) {
	ts := c.toStamp(t)
	if i := c.find(k); i != 0 {
		c.vals[i] = v
		c.place(i, ts)
		return
	}
	c.insert(k, v, ts)
}

// insert stores a key known to be absent, evicting or growing first when full.
func (c *Cache[K, V]) insert(k K, v V, ts int32) {
	if c.count == c.capacityLocked() {
		c.makeRoom()
	}

	i := c.entries[c.tail].next
	c.count++
	c.keys[i] = k
	c.vals[i] = v
	c.entries[i].live = true

	b := c.bucketOf(k)
	c.entries[i].bucketNext = c.buckets[b]
	c.buckets[b] = i

	c.place(i, ts)
	c.opt.Metrics.Size(c.count)
}

// makeRoom asks the policy whether the oldest entry may go; otherwise grows.
func (c *Cache[K, V]) makeRoom() {
	oldest := c.entries[0].next
	age := c.now().Sub(c.fromStamp(c.entries[oldest].ts))
	if c.opt.Policy.CanEvictOldest(age, c.count) {
		k, v, ts := c.keys[oldest], c.vals[oldest], c.fromStamp(c.entries[oldest].ts)
		c.remove(oldest)
		c.evicts.Add(1)
		c.opt.Metrics.Evict()
		if cb := c.opt.OnEvict; cb != nil {
			cb(k, v, ts)
		}
		return
	}

	next := int(float64(c.count) * c.opt.GrowthFactor)
	if next <= c.capacityLocked() {
		next = c.capacityLocked() + 1
	}
	c.grow(next)
}

// grow extends storage to capacity slots and rehashes every live entry.
// Slot indices and queue links are preserved.
func (c *Cache[K, V]) grow(capacity int) {
	start := len(c.entries)

	keys := make([]K, capacity+1)
	vals := make([]V, capacity+1)
	entries := make([]entry, capacity+2)
	copy(keys, c.keys)
	copy(vals, c.vals)
	copy(entries, c.entries)
	for i := start; i < len(entries); i++ {
		entries[i].prev = int32(i - 1)
		entries[i].next = int32(i + 1)
	}
	c.keys, c.vals, c.entries = keys, vals, entries

	c.buckets = make([]int32, util.BucketCount(capacity))
	for i, n := c.entries[0].next, 0; n < c.count; i, n = c.entries[i].next, n+1 {
		b := c.bucketOf(c.keys[i])
		c.entries[i].bucketNext = c.buckets[b]
		c.buckets[b] = i
	}

	c.grows.Add(1)
	c.opt.Metrics.Grow(capacity)
}

// remove unlinks live slot i from its chain and the queue and frees it.
func (c *Cache[K, V]) remove(i int32) {
	b := c.bucketOf(c.keys[i])
	if c.buckets[b] == i {
		c.buckets[b] = c.entries[i].bucketNext
	} else {
		p := c.buckets[b]
		for c.entries[p].bucketNext != i {
			p = c.entries[p].bucketNext
		}
		c.entries[p].bucketNext = c.entries[i].bucketNext
	}

	c.count--
	if c.tail == i {
		c.tail = c.entries[i].prev
	} else {
		// Freed slots live right after the tail.
		c.unlink(i)
		c.link(i, c.tail, c.entries[c.tail].next)
	}

	var (
		zk K
		zv V
	)
	c.keys[i] = zk
	c.vals[i] = zv
	c.entries[i].bucketNext = 0
	c.entries[i].ts = 0
	c.entries[i].live = false
	c.opt.Metrics.Size(c.count)
}

func (c *Cache[K, V]) itemAt(i int32) Item[V] {
	return Item[V]{Value: c.vals[i], Timestamp: c.fromStamp(c.entries[i].ts)}
}

// -------------------- time --------------------

func (c *Cache[K, V]) now() time.Time {
	if c.opt.Clock != nil {
		return time.Unix(0, c.opt.Clock.NowUnixNano())
	}
	return time.Now()
}

// toStamp converts t to whole seconds since the epoch, truncating toward
// zero and clamping to the int32 range.
func (c *Cache[K, V]) toStamp(t time.Time) int32 {
	s := int64(t.Sub(c.epoch) / time.Second)
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	if s < math.MinInt32 {
		return math.MinInt32
	}
	return int32(s)
}

func (c *Cache[K, V]) fromStamp(s int32) time.Time {
	return c.epoch.Add(time.Duration(s) * time.Second)
}
