package ratelimit

import "time"

// Rate-limit tiers reported to Metrics.RateLimited.
const (
	TierGlobal = "global"
	TierShared = "shared"
	TierUser   = "user"
)

// Metrics exposes dispatcher-level observability hooks.
type Metrics interface {
	ObserveResponse(method, route string, status int)
	// RateLimited is called for every 429 with the tier the limit was recorded in.
	RateLimited(tier string)
	// ObserveWait is called for every wait on a retry window.
	ObserveWait(d time.Duration)
	BucketRemapped()
}

// NoopMetrics is a Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) ObserveResponse(string, string, int) {}
func (NoopMetrics) RateLimited(string)                  {}
func (NoopMetrics) ObserveWait(time.Duration)           {}
func (NoopMetrics) BucketRemapped()                     {}
