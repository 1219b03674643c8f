package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/xrpcd/internal/config"
	"github.com/eugener/xrpcd/internal/ratelimit"
	"github.com/eugener/xrpcd/internal/server"
	"github.com/eugener/xrpcd/internal/storage/sqlite"
	"github.com/eugener/xrpcd/internal/telemetry"
	"github.com/eugener/xrpcd/internal/worker"
)

// memoryEvictor adapts the in-memory store to the eviction worker.
type memoryEvictor struct{ store *ratelimit.MemoryStore }

func (m memoryEvictor) EvictExpired(context.Context) (int, error) {
	return m.store.EvictExpired(), nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting xrpcd", "version", version, "addr", cfg.Server.Addr)

	lexicons, err := config.LoadLexicons(cfg.Lexicons)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Lexicons:  lexicons,
		BlobLimit: cfg.Limits.BlobLimitBytes,
		Version:   version,
	}

	var evictor worker.Evictor
	if cfg.Limits.StoreDSN != "" {
		store, err := sqlite.New(cfg.Limits.StoreDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Store = store
		deps.ReadyCheck = store.Ping
		evictor = store
		slog.Info("rate limit counters persisted", "dsn", cfg.Limits.StoreDSN)
	} else {
		mem := ratelimit.NewMemoryStore()
		deps.Store = mem
		evictor = memoryEvictor{store: mem}
	}

	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		deps.Metrics = telemetry.NewMetrics(reg)
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	s := server.New(deps)
	for _, l := range cfg.Limits.Global {
		s.AddGlobalRateLimit(ratelimit.Options{
			KeyPrefix:  l.Name,
			Window:     l.Window,
			Points:     l.Points,
			FailClosed: l.FailClosed,
		})
	}
	for _, l := range cfg.Limits.Shared {
		s.AddSharedRateLimit(l.Name, ratelimit.Options{
			Window:     l.Window,
			Points:     l.Points,
			FailClosed: l.FailClosed,
		})
	}

	if err := registerRoutes(s, lexicons, cfg); err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	runner := worker.NewRunner(worker.NewWindowEvictWorker(evictor, cfg.Limits.EvictInterval))
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("xrpcd ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	<-workerErr

	slog.Info("xrpcd stopped")
	return nil
}
