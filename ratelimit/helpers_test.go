package ratelimit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// fakeClock advances only when the dispatcher sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) totalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// scriptedTransport replays canned responses; the last one repeats.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []func() *Response
	paths []string
}

func script(steps ...func() *Response) *scriptedTransport {
	return &scriptedTransport{steps: steps}
}

func (s *scriptedTransport) Do(_ context.Context, method, path string, _ http.Header, _ []byte) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, method+" "+path)
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step(), nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// reply builds a response from alternating header name/value pairs.
func reply(status int, body string, kv ...string) func() *Response {
	return func() *Response {
		h := http.Header{}
		for i := 0; i+1 < len(kv); i += 2 {
			h.Add(kv[i], kv[i+1])
		}
		return &Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))}
	}
}

type recMetrics struct {
	mu       sync.Mutex
	statuses []int
	limited  []string
	waits    []time.Duration
	remapped int
}

func (m *recMetrics) ObserveResponse(_, _ string, status int) {
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.mu.Unlock()
}

func (m *recMetrics) RateLimited(tier string) {
	m.mu.Lock()
	m.limited = append(m.limited, tier)
	m.mu.Unlock()
}

func (m *recMetrics) ObserveWait(d time.Duration) {
	m.mu.Lock()
	m.waits = append(m.waits, d)
	m.mu.Unlock()
}

func (m *recMetrics) BucketRemapped() {
	m.mu.Lock()
	m.remapped++
	m.mu.Unlock()
}
