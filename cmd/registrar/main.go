package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/registrar/pkg/api"
	"github.com/platinummonkey/registrar/pkg/async"
	"github.com/platinummonkey/registrar/pkg/config"
	"github.com/platinummonkey/registrar/pkg/coverage"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/rbac"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "registrar: %v\n", err)
		os.Exit(2)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("registrar exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    "registrar",
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.OTelInsecure,
		SampleRatio:    cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	db, dialect, err := api.OpenDB(cfg)
	if err != nil {
		return err
	}
	if err := pingDB(ctx, db); err != nil {
		db.Close()
		return err
	}
	if err := rbac.RunMigrations(ctx, db, dialect, logger); err != nil {
		db.Close()
		return err
	}

	var stackOpts []api.StackOption
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		stackOpts = append(stackOpts, api.WithRedis(redisClient))
	}

	stack, err := api.NewStack(cfg, db, logger, stackOpts...)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		db.Close()
		return err
	}
	// abort releases everything opened so far when startup fails
	abort := func(err error) error {
		stack.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		db.Close()
		return err
	}

	report, err := stack.Registry.Load(ctx, stack.Seed, rbac.Mutation{Reason: "startup seed"})
	if err != nil {
		return abort(err)
	}
	logger.WithFields(map[string]interface{}{
		"created":     len(report.Created),
		"reactivated": len(report.Reactivated),
		"unchanged":   report.Unchanged,
		"version":     stack.Registry.Version(),
	}).Info("Permission registry loaded")

	exemptions, err := stack.LoadExemptions()
	if err != nil {
		return abort(err)
	}
	server := stack.Server(exemptions)

	result := server.Auditor().Audit()
	logCoverage(logger, result)
	if !result.OK() && cfg.CoverageFailFast {
		return abort(errors.New(result.Error()))
	}

	scheduler, err := rbac.NewSweepScheduler(stack.Grants, cfg.SweepSchedule, cfg.GrantRetention, logger)
	if err == nil {
		err = scheduler.AddRefresh(cfg.RefreshSchedule, stack.Registry)
	}
	if err != nil {
		return abort(err)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("audit", func(context.Context) error { return stack.Close() })
	if otelProviders != nil {
		shutdown.Register("otel", otelProviders.Shutdown)
	}

	background := async.NewGroup(logger)
	if stack.Invalidator != nil {
		background.Go(ctx, "invalidation listener", stack.Evaluator.Listen)
	}

	watcher, err := coverage.NewWatcher(server.Auditor(), cfg.CoverageExemptions, logger)
	if err != nil {
		logger.WithError(err).Warn("Exemption file will not be reloaded")
	} else {
		watcher.OnReload = func(r *coverage.Result) { logCoverage(logger, r) }
		background.Go(ctx, "exemption watcher", watcher.Run)
		shutdown.Register("exemption watcher", func(context.Context) error { return watcher.Close() })
	}

	scheduler.Start()
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("background tasks", func(ctx context.Context) error {
		cancel()
		return background.Wait(ctx)
	})

	health := stack.Prober.Report(ctx)
	entry := logger.WithField("status", health.Status)
	switch health.Status {
	case rbac.StatusFail:
		entry.Error("RBAC health check failed at startup")
	case rbac.StatusWarn:
		entry.Warn("RBAC health check reported warnings at startup")
	default:
		entry.Info("RBAC health check passed")
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Starting registrar")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			stopWait()
		}
	}()

	err = shutdown.Wait(waitCtx)
	cancel()
	return err
}

func pingDB(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	return nil
}

func logCoverage(logger *observability.Logger, r *coverage.Result) {
	for _, w := range r.Warnings {
		logger.WithField("operation", w.Operation).Warn(w.Problem)
	}
	if r.OK() {
		logger.WithFields(map[string]interface{}{
			"checked": r.Checked,
			"guarded": r.Guarded,
			"exempt":  r.Exempt,
		}).Info("Write route coverage ok")
		return
	}
	for _, f := range r.Failures {
		logger.WithField("operation", f.Operation).Error(f.String())
	}
}
