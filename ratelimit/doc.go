// Package ratelimit is a client-side traffic-control layer for HTTP APIs
// that publish their rate limits in X-RateLimit-* response headers.
//
// A Dispatcher learns, per (method, route template), which server bucket an
// endpoint belongs to, and remembers per (resource scope, bucket) the
// earliest time another request may be sent. Before each request it
//
//  1. takes a concurrency slot for the (scope, bucket) pair,
//  2. waits until the scope's retry time and the global retry time pass,
//  3. waits on the optional global requests-per-second ceiling,
//  4. sends through the Transport and records what the response reveals.
//
// Retry times only move forward, so out-of-order responses never shorten a
// wait another caller already observed. Records live in three tiers: one
// global value, and shared and per-user records kept in ledger.Ledger
// instances. Numeric and token scopes expire idle records after
// Options.NumericLifespan and Options.TokenLifespan.
//
// Usage:
//
//	d := ratelimit.New(&ratelimit.HTTPTransport{BaseURL: "https://api.example.com"},
//		ratelimit.Options{Logger: logger})
//	req := ratelimit.NewRequest(http.MethodGet, "/channels/{0}/messages",
//		ratelimit.NumericResource(chID), chID)
//	resp, err := d.Send(ctx, req)
//	var apiErr *ratelimit.APIError
//	switch {
//	case errors.Is(err, ratelimit.ErrRateLimited):
//		// still limited after the internal retries
//	case errors.As(err, &apiErr):
//		// apiErr.Errors lists field errors such as "$.embed.fields[0].name"
//	}
package ratelimit
