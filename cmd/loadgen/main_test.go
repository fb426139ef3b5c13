package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IvanBrykalov/restlimit/internal/config"
	"github.com/IvanBrykalov/restlimit/ratelimit"
)

func TestPick_RoutesAndScopes(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(1))
	seen := map[string]ratelimit.ScopeKind{}
	for i := 0; i < 1_000; i++ {
		req := pick(r, 7)
		seen[req.Method+" "+req.Route] = req.Scope.Kind()
	}
	assert.Equal(t, map[string]ratelimit.ScopeKind{
		"POST /channels/{0}/messages":         ratelimit.ScopeNumeric,
		"GET /channels/{0}":                   ratelimit.ScopeNumeric,
		"POST /interactions/{0}/{1}/callback": ratelimit.ScopeToken,
		"GET /users/@me":                      ratelimit.ScopeGlobal,
	}, seen)
}

func TestRun_LocalSmoke(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	err = run(cfg, zaptest.NewLogger(t), runParams{
		local:    true,
		workers:  4,
		duration: 300 * time.Millisecond,
		channels: 5,
		zipfS:    1.2,
		seed:     1,
	})
	require.NoError(t, err)
}
