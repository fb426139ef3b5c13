// Package policy holds the eviction strategies consulted by cache.Cache.
//
// A policy is asked exactly one question, and only when the cache is full and
// a key it does not hold is being inserted: may the oldest entry be dropped?
// Answering false makes the cache grow instead. Policies are stateless and
// safe for concurrent use.
package policy

import (
	"fmt"
	"time"
)

// Eviction decides between evicting the oldest entry and growing storage.
// oldestAge is the time elapsed since the oldest entry's timestamp (it may be
// negative for entries stamped in the future); size is the current entry count.
type Eviction interface {
	CanEvictOldest(oldestAge time.Duration, size int) bool
}

// Func adapts an ordinary function to the Eviction interface.
type Func func(oldestAge time.Duration, size int) bool

// CanEvictOldest calls f.
func (f Func) CanEvictOldest(oldestAge time.Duration, size int) bool { return f(oldestAge, size) }

type never struct{}

// Never returns a policy that always grows. Capacity becomes advisory and
// memory is bounded only by whatever removes entries from the outside.
func Never() Eviction { return never{} }

func (never) CanEvictOldest(time.Duration, int) bool { return false }
func (never) String() string                          { return "never" }

type oldest struct{}

// Oldest returns a policy that always evicts: a hard memory ceiling with
// strict oldest-first churn once the cache is at capacity.
func Oldest() Eviction { return oldest{} }

func (oldest) CanEvictOldest(time.Duration, int) bool { return true }
func (oldest) String() string                          { return "oldest" }

// Lifespan evicts the oldest entry only once it is older than StaleAfter.
// Fresh entries are retained and the cache grows to absorb bursts.
type Lifespan struct {
	StaleAfter time.Duration
}

// NewLifespan returns a Lifespan policy for the given staleness threshold.
func NewLifespan(staleAfter time.Duration) Lifespan { return Lifespan{StaleAfter: staleAfter} }

// CanEvictOldest reports whether the oldest entry is strictly older than StaleAfter.
func (l Lifespan) CanEvictOldest(oldestAge time.Duration, _ int) bool {
	return oldestAge > l.StaleAfter
}

func (l Lifespan) String() string { return fmt.Sprintf("lifespan(%s)", l.StaleAfter) }

// Compile-time checks.
var (
	_ Eviction = Func(nil)
	_ Eviction = never{}
	_ Eviction = oldest{}
	_ Eviction = Lifespan{}
)
