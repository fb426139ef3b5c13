// Package prom exports cache and dispatcher metrics to Prometheus.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/restlimit/cache"
	"github.com/IvanBrykalov/restlimit/ratelimit"
)

// Adapter implements ratelimit.Metrics and hands out per-cache
// cache.Metrics views. Safe for concurrent use; all Prometheus metric types
// are goroutine-safe.
type Adapter struct {
	responses *prometheus.CounterVec
	limited   *prometheus.CounterVec
	waits     prometheus.Histogram
	remaps    prometheus.Counter

	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	evicts   *prometheus.CounterVec
	grows    *prometheus.CounterVec
	capacity *prometheus.GaugeVec
	entries  *prometheus.GaugeVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:           Prometheus namespace
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(sub, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "ledger",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, []string{"cache"})
	}

	a := &Adapter{
		responses: counter("dispatcher", "responses_total", "Responses by method, route template and status", "method", "route", "status"),
		limited:   counter("dispatcher", "rate_limited_total", "429 responses by the tier the limit was recorded in", "tier"),
		waits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "dispatcher",
			Name:        "wait_seconds",
			Help:        "Time spent waiting for rate-limit windows",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		remaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "dispatcher",
			Name:        "bucket_remaps_total",
			Help:        "Endpoints moved to a different bucket",
			ConstLabels: constLabels,
		}),
		hits:     counter("ledger", "hits_total", "Ledger cache hits", "cache"),
		misses:   counter("ledger", "misses_total", "Ledger cache misses", "cache"),
		evicts:   counter("ledger", "evictions_total", "Ledger records evicted by policy", "cache"),
		grows:    counter("ledger", "grows_total", "Ledger cache growths", "cache"),
		capacity: gauge("capacity_slots", "Allocated ledger cache slots"),
		entries:  gauge("size_entries", "Resident ledger records"),
	}
	reg.MustRegister(a.responses, a.limited, a.waits, a.remaps,
		a.hits, a.misses, a.evicts, a.grows, a.capacity, a.entries)
	return a
}

// ObserveResponse counts one response.
func (a *Adapter) ObserveResponse(method, route string, status int) {
	a.responses.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// RateLimited counts one 429 by tier.
func (a *Adapter) RateLimited(tier string) { a.limited.WithLabelValues(tier).Inc() }

// ObserveWait records one wait on a retry window.
func (a *Adapter) ObserveWait(d time.Duration) { a.waits.Observe(d.Seconds()) }

// BucketRemapped counts one bucket change.
func (a *Adapter) BucketRemapped() { a.remaps.Inc() }

// CacheMetrics returns the hooks for the cache called name. It fits
// ratelimit.Options.CacheMetrics.
func (a *Adapter) CacheMetrics(name string) cache.Metrics {
	return &cacheView{
		hits:     a.hits.WithLabelValues(name),
		misses:   a.misses.WithLabelValues(name),
		evicts:   a.evicts.WithLabelValues(name),
		grows:    a.grows.WithLabelValues(name),
		capacity: a.capacity.WithLabelValues(name),
		entries:  a.entries.WithLabelValues(name),
	}
}

type cacheView struct {
	hits, misses, evicts, grows prometheus.Counter
	capacity, entries           prometheus.Gauge
}

func (v *cacheView) Hit()             { v.hits.Inc() }
func (v *cacheView) Miss()            { v.misses.Inc() }
func (v *cacheView) Evict()           { v.evicts.Inc() }
func (v *cacheView) Grow(n int)       { v.grows.Inc(); v.capacity.Set(float64(n)) }
func (v *cacheView) Size(entries int) { v.entries.Set(float64(entries)) }

// Compile-time checks.
var (
	_ ratelimit.Metrics = (*Adapter)(nil)
	_ cache.Metrics     = (*cacheView)(nil)
)
