package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const route = "/channels/{0}/messages"

func newTestDispatcher(t *testing.T, tr Transport, opt Options) (*Dispatcher, *fakeClock, *recMetrics) {
	t.Helper()
	clk := newFakeClock()
	m := &recMetrics{}
	if opt.Clock == nil {
		opt.Clock = clk
	}
	opt.Metrics = m
	opt.Logger = zaptest.NewLogger(t)
	return New(tr, opt), clk, m
}

func channelReq(id uint64) *Request {
	return NewRequest(http.MethodPost, route, NumericResource(id), id)
}

func TestDispatcher_SuccessLearnsBucket(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, `{"id":"1"}`, HeaderBucket, "abc", HeaderRemaining, "4", HeaderLimit, "5"))
	d, clk, m := newTestDispatcher(t, tr, Options{})

	resp, err := d.Send(context.Background(), channelReq(42))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, []string{"POST /channels/42/messages"}, tr.paths)
	assert.Equal(t, 1, d.KnownBuckets())
	assert.Equal(t, []int{200}, m.statuses)
	assert.Zero(t, clk.totalSlept())
}

// Remaining 0 with reset-after blocks the next request on the same scope only.
func TestDispatcher_ExhaustedBucketWaitsResetAfter(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, "", HeaderBucket, "abc", HeaderRemaining, "0", HeaderResetAfter, "1.5"))
	d, clk, _ := newTestDispatcher(t, tr, Options{})
	ctx := context.Background()

	_, err := d.Send(ctx, channelReq(1))
	require.NoError(t, err)

	_, err = d.Send(ctx, channelReq(2))
	require.NoError(t, err)
	assert.Zero(t, clk.totalSlept(), "another scope is not restricted")

	_, err = d.Send(ctx, channelReq(1))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, clk.totalSlept())
}

// Absolute reset times go through the wall-clock offset.
func TestDispatcher_ExhaustedBucketWaitsResetAt(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	resetAt := strconv.FormatInt(clk.Now().Add(3*time.Second).Unix(), 10)
	tr := script(reply(200, "", HeaderBucket, "abc", HeaderRemaining, "0", HeaderReset, resetAt))
	d, _, _ := newTestDispatcher(t, tr, Options{Clock: clk})
	ctx := context.Background()

	_, err := d.Send(ctx, channelReq(1))
	require.NoError(t, err)
	_, err = d.Send(ctx, channelReq(1))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, clk.totalSlept())
}

// Remaining > 0 imposes no wait even with reset headers present.
func TestDispatcher_RemainingAllowsImmediateRetry(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, "", HeaderBucket, "abc", HeaderRemaining, "3", HeaderResetAfter, "10"))
	d, clk, _ := newTestDispatcher(t, tr, Options{})
	for i := 0; i < 3; i++ {
		_, err := d.Send(context.Background(), channelReq(1))
		require.NoError(t, err)
	}
	assert.Zero(t, clk.totalSlept())
}

func TestDispatcher_RetriesAfter429(t *testing.T) {
	t.Parallel()

	tr := script(
		reply(429, `{"message":"slow down","retry_after":2.5,"global":false}`, HeaderBucket, "abc"),
		reply(200, "ok", HeaderBucket, "abc", HeaderRemaining, "1"),
	)
	d, clk, m := newTestDispatcher(t, tr, Options{})

	resp, err := d.Send(context.Background(), channelReq(7))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 2, tr.calls())
	assert.Equal(t, 2500*time.Millisecond, clk.totalSlept())
	assert.Equal(t, []string{TierUser}, m.limited)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, m.waits)
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	tr := script(reply(429, `{"retry_after":1}`, HeaderBucket, "abc"))
	d, clk, _ := newTestDispatcher(t, tr, Options{MaxRateLimitRetries: 2})

	_, err := d.Send(context.Background(), channelReq(7))
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Attempts)
	assert.Equal(t, "abc", rl.Bucket)
	assert.Equal(t, NumericResource(7), rl.Scope)
	assert.Equal(t, time.Second, rl.RetryAfter)
	assert.False(t, rl.Global)
	assert.Equal(t, 3, tr.calls())
	assert.Equal(t, 2*time.Second, clk.totalSlept())
}

func TestDispatcher_SurfaceRateLimits(t *testing.T) {
	t.Parallel()

	tr := script(reply(429, `{"retry_after":4}`, HeaderBucket, "abc"))
	d, _, _ := newTestDispatcher(t, tr, Options{SurfaceRateLimits: true})

	_, err := d.Send(context.Background(), channelReq(7))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 1, rl.Attempts)
	assert.Equal(t, 4*time.Second, rl.RetryAfter)
	assert.Equal(t, 1, tr.calls())
}

// A global 429 delays requests for every scope and route.
func TestDispatcher_GlobalLimitAppliesEverywhere(t *testing.T) {
	t.Parallel()

	tr := script(
		reply(429, `{"retry_after":1,"global":true}`),
		reply(200, ""),
	)
	d, clk, m := newTestDispatcher(t, tr, Options{SurfaceRateLimits: true})
	ctx := context.Background()

	_, err := d.Send(ctx, channelReq(1))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.True(t, rl.Global)

	_, err = d.Send(ctx, NewRequest(http.MethodGet, "/users/@me", Global()))
	require.NoError(t, err)
	assert.Equal(t, time.Second, clk.totalSlept())
	assert.Equal(t, []string{TierGlobal}, m.limited)
}

func TestDispatcher_SharedScopeRecordedInSharedTier(t *testing.T) {
	t.Parallel()

	tr := script(
		reply(429, `{"retry_after":2}`, HeaderBucket, "abc", HeaderScope, LimitScopeShared),
		reply(200, "", HeaderBucket, "abc"),
	)
	d, clk, m := newTestDispatcher(t, tr, Options{})

	_, err := d.Send(context.Background(), channelReq(9))
	require.NoError(t, err)
	assert.Equal(t, []string{TierShared}, m.limited)
	assert.Equal(t, 2*time.Second, clk.totalSlept())
}

// A malformed 429 body falls back to the headers.
func TestDispatcher_MalformedLimitBodyUsesHeaders(t *testing.T) {
	t.Parallel()

	tr := script(
		reply(429, `{not json`, HeaderBucket, "abc", HeaderResetAfter, "0.5"),
		reply(200, ""),
	)
	d, clk, _ := newTestDispatcher(t, tr, Options{})

	_, err := d.Send(context.Background(), channelReq(3))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, clk.totalSlept())
}

func TestDispatcher_APIError(t *testing.T) {
	t.Parallel()

	body := `{"code":50035,"message":"Invalid Form Body","errors":{"embed":{"fields":{"0":{"name":{"_errors":[{"code":"BASE_TYPE_REQUIRED","message":"This field is required"}]}}}}}}`
	tr := script(reply(400, body))
	d, _, m := newTestDispatcher(t, tr, Options{})

	_, err := d.Send(context.Background(), channelReq(3))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, 50035, apiErr.Code)
	assert.Equal(t, "Invalid Form Body", apiErr.Message)
	assert.Equal(t, []DataError{{Code: "BASE_TYPE_REQUIRED", Message: "This field is required", Path: "$.embed.fields[0].name"}}, apiErr.Errors)
	assert.NoError(t, apiErr.Unwrap())
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, 1, tr.calls(), "API errors are never retried")
	assert.Empty(t, m.limited)
}

func TestDispatcher_MalformedAPIError(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t, script(reply(503, "<html>")), Options{})

	_, err := d.Send(context.Background(), channelReq(3))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.StatusCode)
	assert.Error(t, apiErr.Err)
}

func TestDispatcher_TransportErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	tr := TransportFunc(func(context.Context, string, string, http.Header, []byte) (*Response, error) {
		return nil, boom
	})
	d, _, _ := newTestDispatcher(t, tr, Options{})

	_, err := d.Send(context.Background(), channelReq(3))
	require.Same(t, boom, err)
	assert.Zero(t, d.slots.Len(), "slot must be released")
}

// Cancellation while waiting out a window releases the slot.
func TestDispatcher_CancelDuringWait(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, "", HeaderBucket, "abc", HeaderRemaining, "0", HeaderResetAfter, "3600"))
	d := New(tr, Options{Logger: zaptest.NewLogger(t)})

	_, err := d.Send(context.Background(), channelReq(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Send(ctx, channelReq(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, d.slots.Len())
	assert.Equal(t, 1, tr.calls())
}

// Requests for one (scope, bucket) never overlap at SlotConcurrency 1.
func TestDispatcher_SlotSerializesBucket(t *testing.T) {
	t.Parallel()

	var inflight, peak int64
	tr := TransportFunc(func(context.Context, string, string, http.Header, []byte) (*Response, error) {
		n := atomic.AddInt64(&inflight, 1)
		defer atomic.AddInt64(&inflight, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return reply(200, "", HeaderBucket, "abc", HeaderRemaining, "5")(), nil
	})
	d, _, _ := newTestDispatcher(t, tr, Options{})

	// Learn the bucket first so every caller contends for the same slot.
	_, err := d.Send(context.Background(), channelReq(5))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := d.Send(context.Background(), channelReq(5))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
	assert.Zero(t, d.slots.Len())
}

// A caller queued on the unlearned bucket moves to the learned bucket's slot
// once it gets in, so it never runs beside a holder of that slot.
func TestDispatcher_QueuedCallerFollowsLearnedBucket(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls, inflight, peak int64
	tr := TransportFunc(func(context.Context, string, string, http.Header, []byte) (*Response, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			close(entered)
			<-release
			return reply(200, "", HeaderBucket, "B", HeaderRemaining, "5")(), nil
		}
		n := atomic.AddInt64(&inflight, 1)
		defer atomic.AddInt64(&inflight, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return reply(200, "", HeaderBucket, "B", HeaderRemaining, "5")(), nil
	})
	d, _, _ := newTestDispatcher(t, tr, Options{SlotConcurrency: 1})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := d.Send(ctx, channelReq(1))
		first <- err
	}()
	<-entered

	var g errgroup.Group
	g.Go(func() error {
		_, err := d.Send(ctx, channelReq(1))
		return err
	})
	// Let the second call queue behind the first on the unlearned bucket.
	time.Sleep(20 * time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.Equal(t, "B", d.buckets.lookup(endpoint{http.MethodPost, route}))

	g.Go(func() error {
		_, err := d.Send(ctx, channelReq(1))
		return err
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
	assert.Zero(t, d.slots.Len())
}

// A 429 that reveals the bucket moves the retry onto that bucket's slot.
func TestDispatcher_RetryMovesToRevealedBucket(t *testing.T) {
	t.Parallel()

	var d *Dispatcher
	var learnedHeld, unlearnedFree bool
	tr := script(
		reply(429, `{"retry_after":1}`, HeaderBucket, "B", HeaderRemaining, "0"),
		func() *Response {
			scope := NumericResource(1)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			defer cancel()
			learnedHeld = errors.Is(d.slots.Acquire(ctx, slotKey{scope: scope, bucket: "B"}), context.DeadlineExceeded)
			if unlock, err := d.slots.Lock(context.Background(), slotKey{scope: scope, bucket: ""}); err == nil {
				unlearnedFree = true
				unlock()
			}
			return reply(200, "", HeaderBucket, "B", HeaderRemaining, "5")()
		},
	)
	d, _, _ = newTestDispatcher(t, tr, Options{})

	_, err := d.Send(context.Background(), channelReq(1))
	require.NoError(t, err)
	assert.True(t, learnedHeld, "retry should hold the revealed bucket's slot")
	assert.True(t, unlearnedFree, "unlearned slot should be released")
	assert.Zero(t, d.slots.Len())
}

func TestDispatcher_BucketRemap(t *testing.T) {
	t.Parallel()

	tr := script(
		reply(200, "", HeaderBucket, "old", HeaderRemaining, "5"),
		reply(200, "", HeaderBucket, "new", HeaderRemaining, "5"),
	)
	d, _, m := newTestDispatcher(t, tr, Options{})
	for i := 0; i < 2; i++ {
		_, err := d.Send(context.Background(), channelReq(1))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.remapped)
	assert.Equal(t, "new", d.buckets.lookup(endpoint{http.MethodPost, route}))
}

// Token scopes keep their own records.
func TestDispatcher_TokenScope(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, "", HeaderBucket, "cb", HeaderRemaining, "0", HeaderResetAfter, "2"))
	d, clk, _ := newTestDispatcher(t, tr, Options{})
	ctx := context.Background()
	req := func(tok string) *Request {
		return NewRequest(http.MethodPost, "/interactions/{0}/{1}/callback", TokenResource(tok), 1, tok)
	}

	_, err := d.Send(ctx, req("tok-a"))
	require.NoError(t, err)
	_, err = d.Send(ctx, req("tok-b"))
	require.NoError(t, err)
	assert.Zero(t, clk.totalSlept())
	_, err = d.Send(ctx, req("tok-a"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, clk.totalSlept())
}

func TestDispatcher_GlobalRateCeiling(t *testing.T) {
	t.Parallel()

	tr := script(reply(200, ""))
	d, _, _ := newTestDispatcher(t, tr, Options{GlobalRate: 1000, GlobalBurst: 10})
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := d.Send(context.Background(), NewRequest(http.MethodGet, "/gateway/bot", Global()))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 20, tr.calls())
}
