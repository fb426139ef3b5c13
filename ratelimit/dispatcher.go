package ratelimit

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/restlimit/keyedmutex"
	"github.com/IvanBrykalov/restlimit/ledger"
	"github.com/IvanBrykalov/restlimit/policy"
)

// maxBodyRead caps how much of a 429 or error payload is read.
const maxBodyRead = 1 << 20

// Dispatcher sends Requests through a Transport while honoring the rate
// limits the server reports. It is safe for concurrent use; all state is
// owned by the instance and discarded with it.
type Dispatcher struct {
	transport Transport
	opt       Options
	log       *zap.Logger
	clock     *monoClock

	buckets *bucketTable
	slots   *keyedmutex.KeyedMutex[slotKey]
	limiter *rate.Limiter // nil without a global ceiling

	numeric  *ledger.Ledger[uint64]
	token    *ledger.Ledger[string]
	unscoped *ledger.Ledger[string]
	global   atomic.Int64 // retry-not-before for the global limit
}

type slotKey struct {
	scope  ResourceScope
	bucket string
}

// New builds a Dispatcher sending through t.
func New(t Transport, opt Options) *Dispatcher {
	opt = opt.withDefaults()
	clock := newMonoClock(opt.Clock)
	d := &Dispatcher{
		transport: t,
		opt:       opt,
		log:       opt.Logger,
		clock:     clock,
		buckets:   newBucketTable(),
		slots:     keyedmutex.New[slotKey](opt.SlotPoolSize, opt.SlotConcurrency),
		numeric: ledger.New(ledger.Options[uint64]{
			Policy:        policy.NewLifespan(opt.NumericLifespan),
			Capacity:      opt.LedgerCapacity,
			Clock:         clock,
			SharedMetrics: opt.cacheMetrics("numeric/shared"),
			UserMetrics:   opt.cacheMetrics("numeric/user"),
		}),
		token: ledger.New(ledger.Options[string]{
			Policy:        policy.NewLifespan(opt.TokenLifespan),
			Capacity:      opt.LedgerCapacity,
			Clock:         clock,
			SharedMetrics: opt.cacheMetrics("token/shared"),
			UserMetrics:   opt.cacheMetrics("token/user"),
		}),
		unscoped: ledger.New(ledger.Options[string]{
			Policy:        policy.Never(),
			Capacity:      opt.LedgerCapacity,
			Clock:         clock,
			SharedMetrics: opt.cacheMetrics("unscoped/shared"),
			UserMetrics:   opt.cacheMetrics("unscoped/user"),
		}),
	}
	if opt.GlobalRate != 0 {
		d.limiter = rate.NewLimiter(opt.GlobalRate, opt.GlobalBurst)
	}
	return d
}

// Send performs req, waiting out known rate limits first.
//
// A 2xx response is returned as is and the caller must close its Body.
// A 429 is retried while the (scope, bucket) slot stays held, moving to
// another slot only when the server reports a different bucket, up to
// MaxRateLimitRetries times, after which *RateLimitedError is returned.
// Any other status yields *APIError. Transport and context errors are
// returned unchanged, and the slot is released on every path.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	ep := req.endpoint()
	held, unlock, err := d.acquireSlot(ctx, req.Scope, ep, d.buckets.lookup(ep))
	if err != nil {
		return nil, err
	}
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	for attempt := 1; ; attempt++ {
		// A 429 may have moved the endpoint to another bucket.
		if b := d.buckets.lookup(ep); b != "" && b != held {
			unlock()
			if held, unlock, err = d.acquireSlot(ctx, req.Scope, ep, b); err != nil {
				return nil, err
			}
		}
		bucket := held
		if err := d.waitRetryWindow(ctx, req.Scope, bucket); err != nil {
			return nil, err
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := d.transport.Do(ctx, req.Method, req.Path(), req.Header, req.Body)
		if err != nil {
			return nil, err
		}

		md := ParseMetadata(resp.Header, d.log)
		limited := resp.StatusCode == http.StatusTooManyRequests
		var body []byte
		if limited {
			body = drain(resp.Body)
			md.applyBody(body, d.log)
		}

		if md.Bucket != "" {
			d.learnBucket(ep, md.Bucket)
			bucket = md.Bucket
		}
		retry, tier := d.recordRetry(req.Scope, bucket, resp.StatusCode, md)
		d.logExchange(req, resp.StatusCode, md)
		d.opt.Metrics.ObserveResponse(req.Method, req.Route, resp.StatusCode)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case limited:
			d.opt.Metrics.RateLimited(tier)
			if d.opt.SurfaceRateLimits || attempt > d.opt.MaxRateLimitRetries {
				return nil, &RateLimitedError{
					Scope:      req.Scope,
					Bucket:     bucket,
					Global:     md.Global,
					RetryAfter: d.until(retry),
					Attempts:   attempt,
				}
			}

		default:
			body := drain(resp.Body)
			apiErr, perr := parseAPIError(resp.StatusCode, body)
			if perr != nil {
				d.log.Warn("malformed error payload",
					zap.String("method", req.Method),
					zap.String("route", req.Route),
					zap.Int("status", resp.StatusCode),
					zap.Error(perr))
			}
			return nil, apiErr
		}
	}
}

// acquireSlot locks the (scope, bucket) slot and returns the bucket it holds.
// If the endpoint's bucket was learned while the caller waited, the slot is
// given up and the learned bucket's slot is taken instead, so every caller
// ends up queued behind the bucket the server reported.
func (d *Dispatcher) acquireSlot(ctx context.Context, scope ResourceScope, ep endpoint, bucket string) (string, func(), error) {
	for {
		unlock, err := d.slots.Lock(ctx, slotKey{scope: scope, bucket: bucket})
		if err != nil {
			return "", nil, err
		}
		learned := d.buckets.lookup(ep)
		if learned == "" || learned == bucket {
			return bucket, unlock, nil
		}
		unlock()
		bucket = learned
	}
}

// waitRetryWindow sleeps until neither the scope's ledger nor the global
// limit restricts bucket. The retry time is re-read after every sleep.
func (d *Dispatcher) waitRetryWindow(ctx context.Context, scope ResourceScope, bucket string) error {
	for {
		retry := d.retryTime(scope, bucket)
		if g := d.global.Load(); g > retry {
			retry = g
		}
		wait := d.until(retry)
		if wait <= 0 {
			return ctx.Err()
		}
		d.opt.Metrics.ObserveWait(wait)
		d.log.Debug("waiting for rate limit window",
			zap.Stringer("scope", scope),
			zap.String("bucket", bucket),
			zap.Duration("wait", wait))
		if err := d.opt.Clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) until(retry int64) time.Duration {
	if retry == 0 {
		return 0
	}
	if w := time.Duration(retry - d.clock.now()); w > 0 {
		return w
	}
	return 0
}

func (d *Dispatcher) retryTime(scope ResourceScope, bucket string) int64 {
	switch scope.Kind() {
	case ScopeNumeric:
		return d.numeric.GetRetryTime(scope.ID(), bucket)
	case ScopeToken:
		return d.token.GetRetryTime(scope.Token(), bucket)
	default:
		return d.unscoped.GetRetryTime("", bucket)
	}
}

func (d *Dispatcher) setRetryTime(scope ResourceScope, bucket string, shared bool, retry int64) {
	switch scope.Kind() {
	case ScopeNumeric:
		d.numeric.SetRetryTime(scope.ID(), bucket, shared, retry)
	case ScopeToken:
		d.token.SetRetryTime(scope.Token(), bucket, shared, retry)
	default:
		d.unscoped.SetRetryTime("", bucket, shared, retry)
	}
}

// recordRetry derives the retry-not-before time from md and stores it in the
// tier md names. It returns the time (0 when the response imposes none) and
// the tier.
func (d *Dispatcher) recordRetry(scope ResourceScope, bucket string, status int, md Metadata) (int64, string) {
	tier := TierUser
	switch {
	case md.Global:
		tier = TierGlobal
	case md.Scope == LimitScopeShared:
		tier = TierShared
	}

	retry := d.retryAt(status, md)
	if retry == 0 {
		return 0, tier
	}
	switch tier {
	case TierGlobal:
		for {
			cur := d.global.Load()
			if retry <= cur || d.global.CompareAndSwap(cur, retry) {
				break
			}
		}
	case TierShared:
		d.setRetryTime(scope, bucket, true, retry)
	default:
		d.setRetryTime(scope, bucket, false, retry)
	}
	return retry, tier
}

// retryAt picks, in order: the body's retry_after, then reset-after once the
// bucket is exhausted, then the absolute reset time once exhausted.
// A missing remaining count is taken as 0 on a 429 and 1 otherwise.
func (d *Dispatcher) retryAt(status int, md Metadata) int64 {
	now := d.clock.now()
	if md.HasRetryAfter {
		return now + int64(md.RetryAfter)
	}
	remaining := md.Remaining
	if !md.HasRemaining {
		remaining = 1
		if status == http.StatusTooManyRequests {
			remaining = 0
		}
	}
	if remaining > 0 {
		return 0
	}
	if md.HasResetAfter {
		return now + int64(md.ResetAfter)
	}
	if !md.ResetAt.IsZero() {
		return d.clock.fromWall(md.ResetAt)
	}
	return 0
}

func (d *Dispatcher) learnBucket(ep endpoint, bucket string) {
	prev, changed := d.buckets.learn(ep, bucket)
	if !changed {
		return
	}
	if prev == "" {
		d.log.Info("registered endpoint to bucket",
			zap.String("method", ep.method),
			zap.String("route", ep.route),
			zap.String("bucket", bucket))
		return
	}
	d.opt.Metrics.BucketRemapped()
	d.log.Info("endpoint moved to a new bucket",
		zap.String("method", ep.method),
		zap.String("route", ep.route),
		zap.String("from", prev),
		zap.String("to", bucket))
}

func (d *Dispatcher) logExchange(req *Request, status int, md Metadata) {
	if ce := d.log.Check(zap.DebugLevel, "request"); ce != nil {
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("path", req.Path()),
			zap.Int("status", status),
			zap.String("bucket", md.Bucket),
		}
		if md.HasRemaining {
			fields = append(fields, zap.Int("remaining", md.Remaining))
		}
		if md.HasLimit {
			fields = append(fields, zap.Int("limit", md.Limit))
		}
		if md.HasResetAfter {
			fields = append(fields, zap.Duration("reset_after", md.ResetAfter))
		}
		if md.Global {
			fields = append(fields, zap.Bool("global", true))
		}
		ce.Write(fields...)
	}
}

// KnownBuckets returns how many endpoints have a learned bucket.
func (d *Dispatcher) KnownBuckets() int { return d.buckets.len() }

// drain reads up to maxBodyRead bytes and closes rc.
func drain(rc io.ReadCloser) []byte {
	if rc == nil {
		return nil
	}
	defer rc.Close()
	b, _ := io.ReadAll(io.LimitReader(rc, maxBodyRead))
	return b
}
