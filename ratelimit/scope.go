package ratelimit

import "strconv"

// ScopeKind tells which resource dimension a ResourceScope names.
type ScopeKind uint8

const (
	// ScopeGlobal is the unscoped dimension; its records never expire.
	ScopeGlobal ScopeKind = iota
	// ScopeNumeric names a resource by numeric id (channel, guild, webhook).
	ScopeNumeric
	// ScopeToken names a resource by a short-lived string token.
	ScopeToken
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeNumeric:
		return "numeric"
	case ScopeToken:
		return "token"
	default:
		return "global"
	}
}

// ResourceScope is the resource a request's rate limit is counted against.
// The zero value is Global(). ResourceScope is comparable and may be used
// as a map key.
type ResourceScope struct {
	kind  ScopeKind
	id    uint64
	token string
}

// Global returns the unscoped resource.
func Global() ResourceScope { return ResourceScope{} }

// NumericResource scopes a request to the resource with the given id.
func NumericResource(id uint64) ResourceScope {
	return ResourceScope{kind: ScopeNumeric, id: id}
}

// TokenResource scopes a request to the resource identified by token.
func TokenResource(token string) ResourceScope {
	return ResourceScope{kind: ScopeToken, token: token}
}

func (s ResourceScope) Kind() ScopeKind { return s.kind }

// ID returns the numeric id; only meaningful for ScopeNumeric.
func (s ResourceScope) ID() uint64 { return s.id }

// Token returns the token; only meaningful for ScopeToken.
func (s ResourceScope) Token() string { return s.token }

func (s ResourceScope) String() string {
	switch s.kind {
	case ScopeNumeric:
		return "numeric:" + strconv.FormatUint(s.id, 10)
	case ScopeToken:
		// Tokens are truncated so they stay out of logs.
		if len(s.token) > 4 {
			return "token:" + s.token[:4] + "…"
		}
		return "token:…"
	default:
		return "global"
	}
}
