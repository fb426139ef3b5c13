// Command loadgen drives concurrent traffic through a rate-limited dispatcher
// and exposes optional pprof/Prometheus endpoints. By default it starts an
// in-process fake API to talk to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/restlimit/internal/config"
	"github.com/IvanBrykalov/restlimit/internal/fakeapi"
	pmet "github.com/IvanBrykalov/restlimit/metrics/prom"
	"github.com/IvanBrykalov/restlimit/ratelimit"
)

func main() {
	// ---- Flags ----
	var (
		cfgPath = flag.String("config", "", "YAML config file (RESTLIMIT_* env vars override it)")
		local   = flag.Bool("local", true, "serve an in-process fake API and point base_url at it")

		workers  = flag.Int("workers", 4*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "run duration")
		channels = flag.Uint64("channels", 50, "number of distinct channel resources")
		zipfS    = flag.Float64("zipf_s", 1.2, "Zipf s > 1 (channel skew)")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		serverRPS = flag.Float64("server_global_rps", 0, "fake API global requests/s limit (0 = none)")
		pprofAddr = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, runParams{
		local:     *local,
		workers:   *workers,
		duration:  *duration,
		channels:  *channels,
		zipfS:     *zipfS,
		seed:      *seed,
		serverRPS: *serverRPS,
		pprofAddr: *pprofAddr,
	}); err != nil {
		logger.Fatal("loadgen failed", zap.Error(err))
	}
}

type runParams struct {
	local     bool
	workers   int
	duration  time.Duration
	channels  uint64
	zipfS     float64
	seed      int64
	serverRPS float64
	pprofAddr string
}

type counters struct {
	ok, limited, apiErrors, failed atomic.Uint64
}

func run(cfg *config.Config, logger *zap.Logger, p runParams) error {
	// ---- pprof + Prometheus (on DefaultServeMux) ----
	if p.pprofAddr != "" {
		go func() {
			logger.Info("pprof: serving", zap.String("addr", p.pprofAddr))
			logger.Warn("pprof server stopped", zap.Error(http.ListenAndServe(p.pprofAddr, nil)))
		}()
	}
	metrics := pmet.New(nil, "restlimit", nil)
	if cfg.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics: serving", zap.String("addr", cfg.MetricsAddr))
			logger.Warn("metrics server stopped", zap.Error(http.ListenAndServe(cfg.MetricsAddr, nil)))
		}()
	}

	// ---- Fake API ----
	var api *fakeapi.Server
	if p.local {
		api = fakeapi.New(fakeapi.Options{
			GlobalRate:  rate.Limit(p.serverRPS),
			GlobalBurst: int(p.serverRPS) + 1,
			Logger:      logger.Named("fakeapi"),
		})
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		srv := &http.Server{Handler: api, ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(ln) }()
		defer func() { _ = srv.Close() }()
		cfg.BaseURL = "http://" + ln.Addr().String()
		logger.Info("fake API listening", zap.String("base_url", cfg.BaseURL))
	}

	// ---- Dispatcher ----
	opt := cfg.DispatcherOptions()
	opt.Logger = logger.Named("dispatcher")
	opt.Metrics = metrics
	opt.CacheMetrics = metrics.CacheMetrics
	d := ratelimit.New(&ratelimit.HTTPTransport{
		Client:    &http.Client{Timeout: 30 * time.Second},
		BaseURL:   cfg.BaseURL,
		UserAgent: "restlimit-loadgen",
	}, opt)

	// ---- Load generation ----
	ctx, cancel := context.WithTimeout(context.Background(), p.duration)
	defer cancel()

	workersN := p.workers
	if workersN <= 0 {
		workersN = 1
	}
	chMax := p.channels
	if chMax == 0 {
		chMax = 1
	}

	var c counters
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workersN; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(p.seed + int64(w)*9973))
			zipf := rand.NewZipf(r, p.zipfS, 1, chMax-1)
			for ctx.Err() == nil {
				resp, err := d.Send(ctx, pick(r, zipf.Uint64()))
				if err != nil && ctx.Err() != nil {
					break // run ended
				}
				c.record(resp, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	total := c.ok.Load() + c.limited.Load() + c.apiErrors.Load() + c.failed.Load()
	fmt.Printf("workers=%d channels=%d dur=%v seed=%d base_url=%s\n",
		workersN, chMax, elapsed.Round(time.Millisecond), p.seed, cfg.BaseURL)
	fmt.Printf("requests=%d (%.0f req/s)  ok=%d  rate-limited=%d  api-errors=%d  failed=%d\n",
		total, float64(total)/elapsed.Seconds(), c.ok.Load(), c.limited.Load(), c.apiErrors.Load(), c.failed.Load())
	fmt.Printf("known buckets=%d\n", d.KnownBuckets())
	if api != nil {
		st := api.Stats()
		fmt.Printf("server: served=%d limited=%d global-limited=%d\n", st.Served, st.Limited, st.GlobalLimited)
	}
	return nil
}

// pick chooses an endpoint, mostly channel traffic.
func pick(r *rand.Rand, ch uint64) *ratelimit.Request {
	switch n := r.Intn(100); {
	case n < 60:
		req := ratelimit.NewRequest(http.MethodPost, "/channels/{0}/messages", ratelimit.NumericResource(ch), ch)
		req.Body = []byte(`{"content":"hello"}`)
		return req
	case n < 85:
		return ratelimit.NewRequest(http.MethodGet, "/channels/{0}", ratelimit.NumericResource(ch), ch)
	case n < 95:
		tok := "tok-" + strconv.FormatUint(ch%8, 10)
		return ratelimit.NewRequest(http.MethodPost, "/interactions/{0}/{1}/callback", ratelimit.TokenResource(tok), ch, tok)
	default:
		return ratelimit.NewRequest(http.MethodGet, "/users/@me", ratelimit.Global())
	}
}

func (c *counters) record(resp *ratelimit.Response, err error) {
	var apiErr *ratelimit.APIError
	switch {
	case err == nil:
		_ = resp.Body.Close()
		c.ok.Add(1)
	case errors.Is(err, ratelimit.ErrRateLimited):
		c.limited.Add(1)
	case errors.As(err, &apiErr):
		c.apiErrors.Add(1)
	default:
		c.failed.Add(1)
	}
}
