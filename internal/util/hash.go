// Package util contains internal helpers (hashing, bucket sizing, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"fmt"
)

// Fnv64a hashes common key types using 64-bit FNV-1a.
// Supported: string, bool, all int/uint widths, uintptr, fmt.Stringer.
// Composite keys (structs) should supply their own hasher built with Combine.
// Panicking on unsupported types is deliberate to avoid silently poor hashing.
func Fnv64a[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return FnvString(v)
	case bool:
		if v {
			return fnv64aFromUint64(1)
		}
		return fnv64aFromUint64(0)
	case uint8:
		return fnv64aFromUint64(uint64(v))
	case uint16:
		return fnv64aFromUint64(uint64(v))
	case uint32:
		return fnv64aFromUint64(uint64(v))
	case uint64:
		return fnv64aFromUint64(v)
	case uint:
		return fnv64aFromUint64(uint64(v))
	case uintptr:
		return fnv64aFromUint64(uint64(v))
	case int8:
		return fnv64aFromUint64(uint64(uint8(v)))
	case int16:
		return fnv64aFromUint64(uint64(uint16(v)))
	case int32:
		return fnv64aFromUint64(uint64(uint32(v)))
	case int64:
		return fnv64aFromUint64(uint64(v))
	case int:
		return fnv64aFromUint64(uint64(v))
	case fmt.Stringer:
		return FnvString(v.String())
	default:
		panic(fmt.Sprintf("util.Fnv64a: unsupported key type %T; provide a hasher in Options", k))
	}
}

// FnvString hashes s without converting it to a byte slice.
func FnvString(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// Combine folds the part hashes of a composite key into one value.
// Order matters: Combine(a, b) != Combine(b, a) in general.
func Combine(parts ...uint64) uint64 {
	h := uint64(fnvOffset64)
	for _, p := range parts {
		for i := 0; i < 8; i++ {
			h ^= uint64(byte(p))
			h *= fnvPrime64
			p >>= 8
		}
	}
	return h
}

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

func fnv64aFromUint64(u uint64) uint64 {
	return Combine(u)
}
