package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is 64 on every platform this package targets.
const CacheLineSize = 64

// CacheLinePad separates hot fields that are written by different goroutines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicUint64 is an atomic counter occupying a full cache line, so
// counters bumped outside a lock do not false-share with the guarded state.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// must be exactly one cache line
var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
