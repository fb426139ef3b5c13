// Package fakeapi is an in-process HTTP API that enforces per-bucket and
// global rate limits and reports them the way real services do. It backs
// the dispatcher tests and cmd/loadgen.
package fakeapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/restlimit/ratelimit"
)

// Route is one rate-limited endpoint.
type Route struct {
	// Pattern is an http.ServeMux pattern with a method, such as
	// "POST /channels/{id}/messages".
	Pattern string
	// Param names the wildcard identifying the limited resource; empty
	// means one counter for the whole route.
	Param  string
	Bucket string
	Limit  int
	Window time.Duration
	// Shared marks limits counted for every caller of the resource.
	Shared bool
}

// Options configures a Server.
type Options struct {
	Routes []Route
	// GlobalRate caps requests per second across all routes; 0 disables it.
	GlobalRate  rate.Limit
	GlobalBurst int
	Logger      *zap.Logger
}

// Stats counts what the server answered.
type Stats struct {
	Served        uint64
	Limited       uint64
	GlobalLimited uint64
}

// Server is an http.Handler.
type Server struct {
	mux    *http.ServeMux
	log    *zap.Logger
	global *rate.Limiter

	mu      sync.Mutex
	windows map[windowKey]*window

	served, limited, globalLimited atomic.Uint64
}

type windowKey struct {
	bucket   string
	resource string
}

type window struct {
	start time.Time
	used  int
}

// DefaultRoutes is a small API with a per-channel, a per-interaction-token
// and an unscoped endpoint.
func DefaultRoutes() []Route {
	return []Route{
		{Pattern: "POST /channels/{id}/messages", Param: "id", Bucket: "msg", Limit: 5, Window: 2 * time.Second},
		{Pattern: "GET /channels/{id}", Param: "id", Bucket: "chan", Limit: 10, Window: time.Second, Shared: true},
		{Pattern: "POST /interactions/{id}/{token}/callback", Param: "token", Bucket: "cb", Limit: 2, Window: time.Second},
		{Pattern: "GET /users/@me", Bucket: "me", Limit: 3, Window: time.Second},
	}
}

// New builds a Server. Without routes it serves DefaultRoutes.
func New(opt Options) *Server {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if len(opt.Routes) == 0 {
		opt.Routes = DefaultRoutes()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		log:     opt.Logger,
		windows: make(map[windowKey]*window),
	}
	if opt.GlobalRate > 0 {
		burst := opt.GlobalBurst
		if burst < 1 {
			burst = 1
		}
		s.global = rate.NewLimiter(opt.GlobalRate, burst)
	}
	for _, rt := range opt.Routes {
		s.mux.HandleFunc(rt.Pattern, s.handle(rt))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{Served: s.served.Load(), Limited: s.limited.Load(), GlobalLimited: s.globalLimited.Load()}
}

func (s *Server) handle(rt Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.global != nil && !s.global.Allow() {
			s.globalLimited.Add(1)
			retry := time.Duration(float64(time.Second) / float64(s.global.Limit()))
			w.Header().Set(ratelimit.HeaderGlobal, "true")
			w.Header().Set(ratelimit.HeaderScope, ratelimit.LimitScopeGlobal)
			s.tooMany(w, retry, true)
			return
		}

		var resource string
		if rt.Param != "" {
			resource = r.PathValue(rt.Param)
		}
		now := time.Now()
		remaining, reset, ok := s.take(windowKey{bucket: rt.Bucket, resource: resource}, rt, now)

		h := w.Header()
		h.Set(ratelimit.HeaderBucket, rt.Bucket)
		h.Set(ratelimit.HeaderLimit, strconv.Itoa(rt.Limit))
		h.Set(ratelimit.HeaderRemaining, strconv.Itoa(remaining))
		h.Set(ratelimit.HeaderReset, seconds(time.Duration(reset.UnixNano())))
		h.Set(ratelimit.HeaderResetAfter, seconds(reset.Sub(now)))
		if !ok {
			s.limited.Add(1)
			scope := ratelimit.LimitScopeUser
			if rt.Shared {
				scope = ratelimit.LimitScopeShared
			}
			h.Set(ratelimit.HeaderScope, scope)
			s.log.Debug("rate limited",
				zap.String("bucket", rt.Bucket),
				zap.String("resource", resource),
				zap.Duration("reset_after", reset.Sub(now)))
			s.tooMany(w, reset.Sub(now), false)
			return
		}

		s.served.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bucket": rt.Bucket, "resource": resource})
	}
}

// take consumes one request from the window of k.
func (s *Server) take(k windowKey, rt Route, now time.Time) (remaining int, reset time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	win, found := s.windows[k]
	if !found || now.Sub(win.start) >= rt.Window {
		win = &window{start: now}
		s.windows[k] = win
	}
	reset = win.start.Add(rt.Window)
	if win.used >= rt.Limit {
		return 0, reset, false
	}
	win.used++
	return rt.Limit - win.used, reset, true
}

func (s *Server) tooMany(w http.ResponseWriter, retry time.Duration, global bool) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"message":     "You are being rate limited.",
		"retry_after": retry.Seconds(),
		"global":      global,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// seconds formats d rounded up to the millisecond so clients never retry early.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(math.Ceil(d.Seconds()*1000)/1000, 'f', 3, 64)
}
