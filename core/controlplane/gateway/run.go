package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/controlplane/reconciler"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/locks"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/cordum/jobrelay/core/infra/metrics"
	"github.com/cordum/jobrelay/core/infra/redisutil"
)

const (
	metricsNamespace = "jobrelay"
	shutdownTimeout  = 15 * time.Second
)

// Run builds every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	jobMetrics := metrics.NewProm(metricsNamespace)
	gwMetrics := metrics.NewGatewayProm(metricsNamespace)

	store, err := jobstore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	defer store.Close()

	broker, err := bus.New(ctx, cfg, jobMetrics)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer broker.Close()

	layout, err := artifacts.NewLayout(cfg.UploadDir, cfg.ResultsDir, cfg.ResultsTTL)
	if err != nil {
		return err
	}

	runners := executor.NewRegistry()
	if cfg.Command != "" {
		runners.SetFallback(&executor.ExecRunner{Binary: cfg.Command})
	} else {
		logging.Warn("api-gateway", "no command configured; every submit will be rejected")
	}
	exec, err := executor.New(executor.Options{
		Store:            store,
		Broker:           broker,
		Layout:           layout,
		Runners:          runners,
		Metrics:          jobMetrics,
		MaxConcurrent:    cfg.MaxConcurrent,
		ProgressInterval: cfg.ProgressInterval,
	})
	if err != nil {
		return err
	}

	rec := reconciler.New(store, layout, cfg.SweepInterval)
	if cfg.Broker == config.BrokerRedis || cfg.JobStore == config.StoreRedis {
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("sweep lease: %w", err)
		}
		defer client.Close()
		rec.WithLock(locks.NewRedisLocker(client), replicaID())
	}
	go rec.Start(ctx)

	srv := New(cfg, Deps{
		Store:          store,
		Broker:         broker,
		Executor:       exec,
		Layout:         layout,
		Metrics:        jobMetrics,
		GatewayMetrics: gwMetrics,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", cfg.MetricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api-gateway", "http listening", "addr", cfg.HTTPAddr, "broker", broker.Backend(), "job_store", cfg.JobStore)
		errCh <- httpSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			logging.Error("api-gateway", "http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logging.Warn("api-gateway", "executor shutdown", "error", err)
	}
	logging.Info("api-gateway", "stopped")
	return serveErr
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
