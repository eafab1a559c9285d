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
	"github.com/rs/dnscache"

	"github.com/autogram-ai/autogram/internal/admission"
	"github.com/autogram-ai/autogram/internal/auth"
	"github.com/autogram-ai/autogram/internal/circuitbreaker"
	"github.com/autogram-ai/autogram/internal/config"
	"github.com/autogram-ai/autogram/internal/kv"
	"github.com/autogram-ai/autogram/internal/security"
	"github.com/autogram-ai/autogram/internal/server"
	"github.com/autogram-ai/autogram/internal/storage/sqlite"
	"github.com/autogram-ai/autogram/internal/telemetry"
	"github.com/autogram-ai/autogram/internal/upstream"
	"github.com/autogram-ai/autogram/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Telemetry.Logging)
	logger := slog.Default()

	slog.Info("starting autogram", "version", version, "addr", cfg.Server.Addr, "env", cfg.Environment)

	// Identity store.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Shared KV store for admission windows and OAuth state.
	kvStore := kv.NewRedis(kv.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	defer kvStore.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = kvStore.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	// Tracing.
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	// Auth.
	hasher := auth.NewHasher(cfg.Auth.Argon2)
	apiKeys, err := auth.NewAPIKeyAuth(store, hasher, logger)
	if err != nil {
		return err
	}
	jwtAuth, err := auth.NewJWTAuth(cfg.Auth.JWT)
	if err != nil {
		return err
	}
	keys := auth.NewKeyManager(store, hasher, apiKeys, logger)

	// Security filters.
	blocklist := security.NewBlocklist(cfg.Security.BlockAfterTicks, cfg.Security.AlertWebhook, logger)
	input, err := security.NewInputFilter(cfg.Security, blocklist)
	if err != nil {
		return err
	}
	output := security.NewOutputFilter(cfg.Security)

	// Admission control.
	adm := admission.NewController(kvStore, cfg.RateLimits, cfg.TierIndex(), cfg.ModelIndex(), blocklist, logger)

	// Upstream model fleet.
	resolver := &dnscache.Resolver{}
	transport := upstream.NewTransport(resolver)
	health := upstream.NewHealthRegistry(cfg.Models)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	client := upstream.NewClient(cfg.ModelIndex(), transport, health, breakers, logger)
	prober := upstream.NewProber(health, cfg.Models, transport, logger)

	usage := worker.NewUsageRecorder(store, metrics.UsageQueueLength)

	handler := server.New(server.Deps{
		Config:    cfg,
		Store:     store,
		KV:        kvStore,
		APIKeys:   apiKeys,
		JWT:       jwtAuth,
		Keys:      keys,
		Admission: adm,
		Input:     input,
		Output:    output,
		Blocklist: blocklist,
		Upstream:  client,
		Health:    health,
		Metrics:   metrics,
		Gatherer:  reg,
		Usage:     usage,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Background workers: health probing, blocklist sweeping, usage flushing.
	// The usage recorder drains its queue after cancellation.
	runner := worker.NewRunner(prober, blocklist, usage)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(ctx)
	}()

	// DNS cache refresh for the upstream transport, plus stale-entry
	// sweeps so the per-model breaker and per-principal semaphore maps
	// stay bounded.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
				cutoff := time.Now().Add(-time.Hour)
				breakers.EvictStale(cutoff)
				adm.EvictStale(cutoff)
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("autogram ready", "addr", cfg.Server.Addr, "models", len(cfg.Models))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let the workers finish their drain before the stores close.
	stop()
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("autogram stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
