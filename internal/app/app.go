// Package app wires configuration, storage, and the Azure provider
// together and runs one of the three process modes: api, provisioner, or
// scanner.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/vmfleet/internal/azure"
	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/config"
	"github.com/wisbric/vmfleet/internal/estimator"
	"github.com/wisbric/vmfleet/internal/httpserver"
	"github.com/wisbric/vmfleet/internal/notify"
	"github.com/wisbric/vmfleet/internal/platform"
	"github.com/wisbric/vmfleet/internal/store"
	"github.com/wisbric/vmfleet/internal/telemetry"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Mode)
	slog.SetDefault(logger)

	logger.Info("starting vmfleet", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	st := store.NewStore(db)

	backoffDelay, err := time.ParseDuration(cfg.Azure.BackoffDelay)
	if err != nil {
		return fmt.Errorf("parsing AZURE_BACKOFF_DELAY %q: %w", cfg.Azure.BackoffDelay, err)
	}
	limits, err := parseRateLimits(cfg.Azure.RateLimits)
	if err != nil {
		return fmt.Errorf("parsing RATE_LIMITS: %w", err)
	}
	gw := gateway.New(limits, gateway.NewBackoff(backoffDelay))

	client, err := azure.NewClient(cfg.Azure)
	if err != nil {
		return fmt.Errorf("building azure client: %w", err)
	}

	notifier := notify.NewRedisNotifier(rdb, "")
	provider := azure.NewAzureProvider(client, st, gw, estimator.BoundedEstimator{}, notifier, logger, cfg.RootURL, cfg.Azure.CADir)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, provider)
	case "provisioner":
		interval, err := time.ParseDuration(cfg.ProvisionInterval)
		if err != nil {
			return fmt.Errorf("parsing PROVISION_INTERVAL %q: %w", cfg.ProvisionInterval, err)
		}
		provider.RunProvisionLoop(ctx, st, logger, interval)
		return nil
	case "scanner":
		interval, err := time.ParseDuration(cfg.ScanInterval)
		if err != nil {
			return fmt.Errorf("parsing SCAN_INTERVAL %q: %w", cfg.ScanInterval, err)
		}
		provider.RunScanLoop(ctx, st, logger, interval, cfg.ScanFanout)
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, provider *azure.AzureProvider) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	handler := azure.NewHandler(provider)
	srv.APIRouter.Post("/register", handler.HandleRegisterWorker)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// parseRateLimits parses "name=burst/qps" entries (e.g. "write=10/5") into
// gateway Limits, leaving buckets not mentioned at their default.
func parseRateLimits(entries []string) (gateway.Limits, error) {
	limits := gateway.DefaultLimits()
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit entry %q: expected name=burst/qps", entry)
		}
		burstStr, qpsStr, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit entry %q: expected name=burst/qps", entry)
		}
		burst, err := strconv.Atoi(burstStr)
		if err != nil {
			return nil, fmt.Errorf("invalid burst in rate limit entry %q: %w", entry, err)
		}
		qps, err := strconv.ParseFloat(qpsStr, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid qps in rate limit entry %q: %w", entry, err)
		}
		limits[gateway.Bucket(name)] = struct {
			QPS   float32
			Burst int
		}{QPS: float32(qps), Burst: burst}
	}
	return limits, nil
}
