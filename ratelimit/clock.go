package ratelimit

import (
	"context"
	"time"
)

// Clock is the time source of a Dispatcher.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() then.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monoClock measures retry times as nanoseconds since the Dispatcher was
// built. Relative waits use the monotonic reading of Clock.Now; absolute
// reset times from the server are converted through the wall-clock offset
// captured at construction.
type monoClock struct {
	src   Clock
	start time.Time
	wall  int64 // start as Unix nanoseconds
}

func newMonoClock(src Clock) *monoClock {
	now := src.Now()
	return &monoClock{src: src, start: now, wall: now.UnixNano()}
}

// now is never 0, which the ledgers reserve for "no restriction".
func (c *monoClock) now() int64 { return int64(c.src.Now().Sub(c.start)) + 1 }

func (c *monoClock) fromWall(t time.Time) int64 { return t.UnixNano() - c.wall + 1 }

// NowUnixNano lets the ledgers stamp records with the same source.
func (c *monoClock) NowUnixNano() int64 { return c.src.Now().UnixNano() }
