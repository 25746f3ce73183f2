// Command rosey-core is the plugin orchestration and messaging core: it
// connects to the bus, loads the configured plugins, and wires together
// the registry, router, rate limiter, memory store, and housekeeping
// scheduler. Grounded on agents/docker-agent/main.go's flag/env-backed
// startup and signal.Notify(SIGINT, SIGTERM) graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/config"
	"github.com/rosey-chat/rosey-core/internal/coreservices"
	"github.com/rosey-chat/rosey-core/internal/memory"
	"github.com/rosey-chat/rosey-core/internal/ratelimit"
	"github.com/rosey-chat/rosey-core/internal/registry"
	"github.com/rosey-chat/rosey-core/internal/router"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/rosymetrics"
	"github.com/rosey-chat/rosey-core/internal/scheduler"
)

func main() {
	configPath := flag.String("config", getEnvOrDefault("ROSEY_CONFIG", "rosey.yaml"), "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	rosylog.Init(cfg.Logging.Level, cfg.Logging.Pretty)

	b := bus.NewNATSBus(bus.NATSConfig{
		URL:      cfg.Bus.URL,
		User:     cfg.Bus.User,
		Password: cfg.Bus.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := b.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("bus connect failed: %v", err)
	}
	cancel()
	defer b.Disconnect()

	reg := registry.New()
	mgr := registry.NewManager(reg, b)

	for _, ps := range cfg.Plugins {
		granted, files := ps.Permissions()
		meta := registry.Metadata{
			ID:               ps.ID,
			Executable:       ps.Executable,
			Args:             ps.Args,
			Version:          ps.Version,
			CommandPrefixes:  ps.CommandPrefixes,
			Permissions:      granted,
			FileAccess:       files,
			ResourceLimits:   ps.ResourceLimits(),
			Restart:          ps.RestartConfig(),
			ReadinessTimeout: time.Duration(ps.ReadinessTimeout * float64(time.Second)),
			GracefulTimeout:  time.Duration(ps.GracefulTimeout * float64(time.Second)),
			SampleInterval:   time.Duration(ps.Resources.SampleInterval) * time.Second,
		}
		if _, err := mgr.Load(meta); err != nil {
			rosylog.Registry().Error().Err(err).Str("plugin", ps.ID).Msg("failed to load plugin")
			continue
		}
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, ps := range cfg.Plugins {
		if err := mgr.Start(startCtx, ps.ID); err != nil {
			rosylog.Registry().Error().Err(err).Str("plugin", ps.ID).Msg("failed to start plugin")
		}
	}
	startCancel()

	r := router.New(b, mgr, "!")
	if _, err := b.Subscribe("rosey.platform.*.message", r.Handle); err != nil {
		log.Fatalf("subscribe to platform messages failed: %v", err)
	}
	if _, err := b.Subscribe("rosey.platform.*.command", r.Handle); err != nil {
		log.Fatalf("subscribe to platform commands failed: %v", err)
	}

	limiter := newLimiter(cfg)
	rlSvc := coreservices.NewRateLimitService(limiter, b)
	if _, err := rlSvc.Subscribe(); err != nil {
		log.Fatalf("rate limit service subscribe failed: %v", err)
	}

	kv, err := b.KV(context.Background(), "memory")
	if err != nil {
		log.Fatalf("kv bucket init failed: %v", err)
	}
	mem := memory.New(kv)
	memSvc := coreservices.NewMemoryService(mem, b)
	if _, err := memSvc.Subscribe(); err != nil {
		log.Fatalf("memory service subscribe failed: %v", err)
	}

	sched := scheduler.New()
	if err := mgr.StartHousekeeping(sched, cfg.Scheduler.HousekeepingSpec); err != nil {
		rosylog.Registry().Error().Err(err).Msg("failed to schedule housekeeping")
	}
	defer sched.Stop()

	srv := startMetricsServer(cfg.Metrics.Addr)
	defer shutdownMetricsServer(srv)

	rosylog.Get().Info().Str("bus", cfg.Bus.URL).Int("plugins", len(cfg.Plugins)).Msg("rosey-core started")

	waitForShutdown(mgr, cfg)
}

func newLimiter(cfg *config.Config) *ratelimit.Limiter {
	rlCfg := ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
		TokensPerDay:      cfg.RateLimit.TokensPerDay,
	}
	if cfg.RateLimit.RedisURL == "" {
		return ratelimit.New(rlCfg)
	}
	store, err := ratelimit.NewRedisStore(cfg.RateLimit.RedisURL, "", 0)
	if err != nil {
		rosylog.RateLimit().Warn().Err(err).Msg("redis unreachable, falling back to in-memory rate limiting")
		return ratelimit.New(rlCfg)
	}
	return ratelimit.NewWithStore(rlCfg, store)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rosymetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rosylog.Get().Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func shutdownMetricsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func waitForShutdown(mgr *registry.Manager, cfg *config.Config) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	rosylog.Get().Info().Str("signal", sig.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ps := range cfg.Plugins {
		if _, err := mgr.Stop(ctx, ps.ID); err != nil {
			rosylog.Registry().Error().Err(err).Str("plugin", ps.ID).Msg("failed to stop plugin")
		}
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
