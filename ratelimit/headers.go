package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
)

// Values of the X-RateLimit-Scope header.
const (
	LimitScopeUser   = "user"
	LimitScopeGlobal = "global"
	LimitScopeShared = "shared"
)

// Metadata is the rate-limit information carried by one response.
// Each Has* flag reports whether the matching field was present and valid.
type Metadata struct {
	Limit        int
	HasLimit     bool
	Remaining    int
	HasRemaining bool
	// ResetAt is the wall-clock reset time; zero when absent.
	ResetAt       time.Time
	ResetAfter    time.Duration
	HasResetAfter bool
	Bucket        string
	Global        bool
	// Scope is one of the LimitScope* values, or "" when absent.
	Scope string
	// RetryAfter comes from the body of a 429 response.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// rateLimitBody is the JSON payload of a 429 response.
type rateLimitBody struct {
	Message    string   `json:"message"`
	RetryAfter *float64 `json:"retry_after"`
	Global     *bool    `json:"global"`
}

// ParseMetadata reads the rate-limit headers of h. Missing headers are
// skipped silently; repeated or malformed ones are logged and skipped.
func ParseMetadata(h http.Header, log *zap.Logger) Metadata {
	if log == nil {
		log = zap.NewNop()
	}
	var md Metadata

	if v, ok := singleHeader(h, HeaderLimit, log); ok {
		if n, err := strconv.Atoi(v); err == nil {
			md.Limit, md.HasLimit = n, true
		} else {
			log.Warn("ignoring unparseable rate-limit header", zap.String("header", HeaderLimit), zap.String("value", v))
		}
	}
	if v, ok := singleHeader(h, HeaderRemaining, log); ok {
		if n, err := strconv.Atoi(v); err == nil {
			md.Remaining, md.HasRemaining = n, true
		} else {
			log.Warn("ignoring unparseable rate-limit header", zap.String("header", HeaderRemaining), zap.String("value", v))
		}
	}
	if v, ok := singleHeader(h, HeaderReset, log); ok {
		if d, ok := parseSeconds(v); ok {
			md.ResetAt = time.Unix(0, int64(d))
		} else {
			log.Warn("ignoring unparseable rate-limit header", zap.String("header", HeaderReset), zap.String("value", v))
		}
	}
	if v, ok := singleHeader(h, HeaderResetAfter, log); ok {
		if d, ok := parseSeconds(v); ok {
			md.ResetAfter, md.HasResetAfter = d, true
		} else {
			log.Warn("ignoring unparseable rate-limit header", zap.String("header", HeaderResetAfter), zap.String("value", v))
		}
	}
	if v, ok := singleHeader(h, HeaderBucket, log); ok {
		md.Bucket = v
	}
	if v, ok := singleHeader(h, HeaderGlobal, log); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			md.Global = b
		} else {
			log.Warn("ignoring unparseable rate-limit header", zap.String("header", HeaderGlobal), zap.String("value", v))
		}
	}
	if v, ok := singleHeader(h, HeaderScope, log); ok {
		switch v {
		case LimitScopeUser, LimitScopeGlobal, LimitScopeShared:
			md.Scope = v
		default:
			log.Warn("ignoring unknown rate-limit scope", zap.String("header", HeaderScope), zap.String("value", v))
		}
	}
	if log.Core().Enabled(zap.DebugLevel) {
		logAbsent(h, log)
	}
	return md
}

var rateLimitHeaders = []string{
	HeaderLimit, HeaderRemaining, HeaderReset, HeaderResetAfter,
	HeaderBucket, HeaderGlobal, HeaderScope,
}

// logAbsent writes one debug entry naming every missing rate-limit header.
func logAbsent(h http.Header, log *zap.Logger) {
	var missing []string
	for _, k := range rateLimitHeaders {
		if len(h.Values(k)) == 0 {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		log.Debug("rate-limit headers absent", zap.Strings("headers", missing))
	}
}

// applyBody merges a 429 payload into md. The body's global flag and
// retry_after win over the headers. A malformed body is logged and ignored.
func (md *Metadata) applyBody(body []byte, log *zap.Logger) {
	if len(body) == 0 {
		return
	}
	var b rateLimitBody
	if err := json.Unmarshal(body, &b); err != nil {
		log.Info("ignoring malformed rate-limit body", zap.Error(err))
		return
	}
	if b.Global != nil {
		md.Global = *b.Global
	}
	if b.RetryAfter != nil {
		if d, ok := secondsToDuration(*b.RetryAfter); ok {
			md.RetryAfter, md.HasRetryAfter = d, true
		}
	}
}

// singleHeader returns the only value of key. Several values are ambiguous
// and are all ignored.
func singleHeader(h http.Header, key string, log *zap.Logger) (string, bool) {
	vs := h.Values(key)
	switch len(vs) {
	case 0:
		return "", false
	case 1:
		return vs[0], true
	default:
		log.Warn("ignoring repeated rate-limit header", zap.String("header", key), zap.Int("values", len(vs)))
		return "", false
	}
}

func parseSeconds(v string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return secondsToDuration(f)
}

// secondsToDuration accepts fractional, finite, non-negative seconds.
func secondsToDuration(f float64) (time.Duration, bool) {
	if math.IsNaN(f) || f < 0 || f > float64(math.MaxInt64/int64(time.Second)) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
