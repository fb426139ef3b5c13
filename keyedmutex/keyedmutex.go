// Package keyedmutex hands out one exclusion slot per key.
//
// Each key in use is backed by a golang.org/x/sync/semaphore.Weighted of a
// fixed width: width 1 behaves like a mutex, larger widths bound the number
// of concurrent holders for that key. Semaphores of idle keys go back to a
// small recycling pool instead of staying in the bookkeeping table.
package keyedmutex

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the number of idle semaphores kept for reuse.
const DefaultPoolSize = 64

// KeyedMutex serializes holders of the same key. Different keys never
// block each other. The zero value is not usable; call New.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex // guards held; never held while waiting on a slot
	held  map[K]*slot
	pool  chan *semaphore.Weighted
	width int64
}

type slot struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
}

// New returns a KeyedMutex whose per-key slots admit width concurrent
// holders (1 when width <= 0) and that recycles up to poolSize idle slots.
func New[K comparable](poolSize int, width int64) *KeyedMutex[K] {
	if poolSize < 0 {
		poolSize = 0
	}
	if width <= 0 {
		width = 1
	}
	return &KeyedMutex[K]{
		held:  make(map[K]*slot),
		pool:  make(chan *semaphore.Weighted, poolSize),
		width: width,
	}
}

// Acquire blocks until the caller holds a slot for k or ctx is done.
// On error nothing is held and ctx.Err() is returned.
func (m *KeyedMutex[K]) Acquire(ctx context.Context, k K) error {
	m.mu.Lock()
	s, ok := m.held[k]
	if !ok {
		s = &slot{sem: m.take()}
		m.held[k] = s
	}
	s.refs++
	m.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		m.leave(k, s, false)
		return err
	}
	return nil
}

// Lock is Acquire returning the matching release as a closure.
func (m *KeyedMutex[K]) Lock(ctx context.Context, k K) (unlock func(), err error) {
	if err := m.Acquire(ctx, k); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { m.Release(k) }) }, nil
}

// Release gives back a slot taken by Acquire. Releasing a key that is not
// held is a programming error and panics.
func (m *KeyedMutex[K]) Release(k K) {
	m.mu.Lock()
	s, ok := m.held[k]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("keyedmutex: release of unheld key %v", k))
	}
	m.leave(k, s, true)
}

// leave drops one reference. The semaphore is released before it can
// re-enter the pool, so a pooled semaphore is always fully available.
func (m *KeyedMutex[K]) leave(k K, s *slot, holding bool) {
	m.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last {
		delete(m.held, k)
	}
	m.mu.Unlock()

	if holding {
		s.sem.Release(1)
	}
	if last {
		m.give(s.sem)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *KeyedMutex[K]) take() *semaphore.Weighted {
	select {
	case sem := <-m.pool:
		return sem
	default:
		return semaphore.NewWeighted(m.width)
	}
}

func (m *KeyedMutex[K]) give(sem *semaphore.Weighted) {
	select {
	case m.pool <- sem:
	default:
	}
}
