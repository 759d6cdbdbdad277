package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/digestgate/internal/api"
	"github.com/AlexKimmel/digestgate/internal/auth"
	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/config"
	"github.com/AlexKimmel/digestgate/internal/digests"
	"github.com/AlexKimmel/digestgate/internal/digests/memory"
	digestredis "github.com/AlexKimmel/digestgate/internal/digests/redis"
	"github.com/AlexKimmel/digestgate/internal/digests/scheduler"
	"github.com/AlexKimmel/digestgate/internal/gateway"
	"github.com/AlexKimmel/digestgate/internal/obs"
	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	limitmemory "github.com/AlexKimmel/digestgate/internal/ratelimit/memory"
	limitredis "github.com/AlexKimmel/digestgate/internal/ratelimit/redis"
	"github.com/AlexKimmel/digestgate/internal/redisconn"
)

var version = "dev"

func main() {
	defaultPath := os.Getenv("DIGESTGATE_CONFIG")
	if defaultPath == "" {
		defaultPath = "./config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	boot := obs.SetupLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Msg("Setup logger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	var rdb goredis.UniversalClient
	if cfg.Digests.Backend == config.BackendRedis || cfg.Limits.Backend == config.BackendRedis {
		rdb, err = redisconn.New(ctx, cfg.Redis.Conn())
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
	}

	backend, err := newBackend(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("digest backend")
	}
	defer backend.Close()

	limiter := newLimiter(cfg, rdb)
	defer limiter.Close()

	router, err := cfg.Router()
	if err != nil {
		logger.Fatal().Err(err).Msg("operations")
	}

	gate := &gateway.Gate{Limiter: limiter, Clock: clock.Real{}, Hooks: metrics.GateHooks()}

	sched := scheduler.New(
		backend,
		scheduler.LogDeliverer{Log: logger.With().Str("component", "deliverer").Logger()},
		clock.Real{},
		logger,
		metrics,
		scheduler.Options{
			Interval:    cfg.Scheduler.Interval(),
			Concurrency: cfg.Scheduler.Concurrency,
			Rate:        cfg.Scheduler.RatePerSecond,
			Burst:       cfg.Scheduler.Burst,
		},
	)
	if cfg.Scheduler.Enabled {
		go func() { _ = sched.Run(ctx) }()
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	r.Handle(cfg.Observability.PrometheusPath, obs.Handler(reg))
	api.New(backend, sched, clock.Real{}, metrics).Mount(r)

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		r,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore(cfg.Auth).Middleware(skip),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
		gateway.RateLimit(gate, skip, cfg.Server.TrustProxy),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("digests", cfg.Digests.Backend).Str("limits", cfg.Limits.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

func newBackend(cfg *config.Root, rdb goredis.UniversalClient) (digests.Backend, error) {
	dcfg, err := cfg.Digests.BackendConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.Digests.Backend {
	case config.BackendMemory:
		return memory.New(dcfg, clock.Real{}), nil
	case config.BackendRedis:
		return digestredis.New(rdb, dcfg, digestredis.Options{Prefix: cfg.Digests.RedisPrefix}, clock.Real{}), nil
	default:
		return digests.Noop{}, nil
	}
}

func newLimiter(cfg *config.Root, rdb goredis.UniversalClient) ratelimit.Limiter {
	if cfg.Limits.Backend == config.BackendRedis {
		return limitredis.New(rdb, cfg.Limits.RedisPrefix)
	}
	return limitmemory.New(cfg.Limits.SweepInterval())
}

func authStore(a config.Auth) *auth.Store {
	pairs := map[string]auth.Principal{} // secret -> principal
	for _, k := range a.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = auth.Principal{ID: k.ID, Organization: k.Organization}
		}
	}
	return auth.NewStatic(a.Header, pairs, a.Anonymous)
}
