// Package ledger remembers, per (scope, bucket), the earliest time a request
// may be sent again.
//
// A Ledger keeps two independent tiers backed by cache.Cache: a shared tier
// for limits that apply to every caller of a resource, and a user tier for
// limits that apply to the current credential only. Reads return the later
// of the two; writes only ever move a retry time forward.
package ledger

import (
	"time"

	"github.com/IvanBrykalov/restlimit/cache"
	"github.com/IvanBrykalov/restlimit/internal/util"
	"github.com/IvanBrykalov/restlimit/policy"
)

// Key addresses one rate-limit record.
type Key[S comparable] struct {
	Scope  S
	Bucket string
}

// Options configures a Ledger. Zero values are safe.
type Options[S comparable] struct {
	// Policy applies to both tiers; nil means policy.Never().
	Policy policy.Eviction
	// Capacity is the initial capacity of each tier.
	Capacity int
	// Hash hashes the scope part of a Key; nil means util.Fnv64a.
	Hash func(S) uint64
	// Clock stamps records so Policy can judge their age.
	Clock cache.Clock
	// SharedMetrics and UserMetrics observe the two tiers.
	SharedMetrics cache.Metrics
	UserMetrics   cache.Metrics
}

// Ledger is safe for concurrent use. Each tier has its own lock and no
// operation holds both.
type Ledger[S comparable] struct {
	shared *cache.Cache[Key[S], int64]
	user   *cache.Cache[Key[S], int64]
	clock  cache.Clock
}

// New builds an empty Ledger.
func New[S comparable](opt Options[S]) *Ledger[S] {
	if opt.Policy == nil {
		opt.Policy = policy.Never()
	}
	scopeHash := opt.Hash
	if scopeHash == nil {
		scopeHash = util.Fnv64a[S]
	}
	tier := func(m cache.Metrics) *cache.Cache[Key[S], int64] {
		return cache.New(cache.Options[Key[S], int64]{
			Capacity: opt.Capacity,
			Policy:   opt.Policy,
			Hash: func(k Key[S]) uint64 {
				return util.Combine(scopeHash(k.Scope), util.FnvString(k.Bucket))
			},
			Metrics: m,
			Clock:   opt.Clock,
		})
	}
	return &Ledger[S]{
		shared: tier(opt.SharedMetrics),
		user:   tier(opt.UserMetrics),
		clock:  opt.Clock,
	}
}

// GetRetryTime returns the retry-not-before time for (scope, bucket) as
// stored by SetRetryTime, or 0 when neither tier restricts it.
func (l *Ledger[S]) GetRetryTime(scope S, bucket string) int64 {
	k := Key[S]{Scope: scope, Bucket: bucket}
	var retry int64
	if it, ok := l.shared.Get(k); ok {
		retry = it.Value
	}
	if it, ok := l.user.Get(k); ok && it.Value > retry {
		retry = it.Value
	}
	return retry
}

// SetRetryTime records retry for (scope, bucket) in the shared or user tier.
// A value earlier than the one already stored is discarded. It reports
// whether the tier was updated.
func (l *Ledger[S]) SetRetryTime(scope S, bucket string, shared bool, retry int64) bool {
	tier := l.user
	if shared {
		tier = l.shared
	}
	return tier.Merge(Key[S]{Scope: scope, Bucket: bucket}, l.now(), func(old int64, ok bool) (int64, bool) {
		return retry, !ok || retry >= old
	})
}

// Len returns the number of records held across both tiers.
func (l *Ledger[S]) Len() int { return l.shared.Len() + l.user.Len() }

// Clear forgets every record.
func (l *Ledger[S]) Clear() {
	l.shared.Clear()
	l.user.Clear()
}

func (l *Ledger[S]) now() time.Time {
	if l.clock != nil {
		return time.Unix(0, l.clock.NowUnixNano())
	}
	return time.Now()
}
