package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/config"
	"github.com/pitabwire/flowengine/internal/definition"
	"github.com/pitabwire/flowengine/internal/directory"
	"github.com/pitabwire/flowengine/internal/engine"
	"github.com/pitabwire/flowengine/internal/handler"
	"github.com/pitabwire/flowengine/internal/lock"
	"github.com/pitabwire/flowengine/internal/observability"
	"github.com/pitabwire/flowengine/internal/outbox"
	"github.com/pitabwire/flowengine/internal/store"
	"github.com/pitabwire/flowengine/internal/transport"
	"github.com/pitabwire/flowengine/model"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its background workers and ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Telemetry.
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	var cleanup closers
	defer cleanup.run()

	// 2. Directory and handlers.
	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		return err
	}
	handlers := handler.NewRegistry(breakerConfig(cfg.Handlers.CircuitBreaker),
		handler.WithLogger(logger),
		handler.WithRecorder(metrics),
	)
	handler.RegisterBuiltins(handlers, dir)

	// 3. Definitions, validated against the registered handlers.
	defs := definition.NewRegistry(nil)
	reloader := definition.NewReloader(cfg.Definitions.Directories, defs, handlers, logger,
		definition.WithReloadRecorder(metrics))
	if err := reloader.Reload(); err != nil {
		return fmt.Errorf("definitions: %w", err)
	}

	// 4. Persistence.
	repo, storeCheck, err := buildStore(ctx, cfg.Store, logger, &cleanup)
	if err != nil {
		return err
	}

	// 5. Instance lock.
	locker, lockCheck, err := buildLocker(ctx, cfg.Lock, logger, &cleanup)
	if err != nil {
		return err
	}

	// 6. Event delivery.
	publisher, eventsCheck, err := buildPublisher(cfg.Events, logger, &cleanup)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(repo, publisher,
		outbox.WithBatchSize(cfg.Events.BatchSize),
		outbox.WithInterval(cfg.Events.RelayInterval),
		outbox.WithLogger(logger),
		outbox.WithRecorder(metrics),
	)

	// 7. Engine.
	eng := engine.NewEngine(defs, repo, locker, handlers, dir,
		engine.WithLogger(logger),
		engine.WithRecorder(metrics),
		engine.WithNotifier(relay),
		engine.WithDrainLimit(cfg.Engine.DrainLimit),
		engine.WithLockTimeout(cfg.Lock.WaitTimeout),
	)

	// 8. Background workers.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	errCh := make(chan error, 4)

	go func() {
		if err := relay.Run(bgCtx); err != nil {
			errCh <- fmt.Errorf("outbox relay: %w", err)
		}
	}()
	go runOverdueScan(bgCtx, eng, cfg.Scheduler, logger)

	if cfg.Definitions.HotReload {
		watcher, err := definition.NewWatcher(reloader, cfg.Definitions.ReloadDebounce)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(bgCtx); err != nil {
				errCh <- fmt.Errorf("definition watcher: %w", err)
			}
		}()
	}

	// 9. Ops server.
	deps := transport.Dependencies{
		Logger:  logger,
		Metrics: metrics,
		Readiness: observability.ReadinessChecks{
			Definitions: func() int { return len(defs.Types()) },
			Store:       storeCheck,
			Lock:        lockCheck,
			Events:      eventsCheck,
		},
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Gatherer = reg
		deps.MetricsPath = cfg.Observability.Metrics.Path
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("flowengine started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("workflow_types", defs.Types()),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("events", cfg.Events.Publisher),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case runErr = <-errCh:
		logger.Error("component failed", zap.Error(runErr))
	}

	// Graceful shutdown sequence.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	// Deliver whatever was committed before the signal.
	if n, err := relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final outbox flush incomplete", zap.Int("published", n), zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

func breakerConfig(c config.CircuitBreakerConfig) handler.BreakerConfig {
	return handler.BreakerConfig{
		MaxRequests:      c.MaxRequests,
		Interval:         c.Interval,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
	}
}

func buildDirectory(cfg config.DirectoryConfig) (*directory.Static, error) {
	if cfg.UsersFile == "" {
		return directory.NewStatic(nil)
	}
	dir, err := directory.LoadFile(cfg.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	return dir, nil
}

// buildStore returns the repository and its readiness check.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, cleanup *closers) (store.Repository, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "postgres":
		dsn, err := config.Env(cfg.DSNEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		pool, err := store.OpenPool(ctx, dsn, int32(cfg.MaxOpenConns))
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		cleanup.add(pool.Close)

		repo := store.NewPgRepository(pool)
		if cfg.AutoMigrate {
			if err := repo.EnsureSchema(ctx); err != nil {
				return nil, nil, fmt.Errorf("store: %w", err)
			}
		}
		logger.Info("using postgres instance store")
		return repo, observability.CheckFunc(repo.Ping), nil
	default:
		logger.Info("using in-memory instance store")
		return store.NewMemoryRepository(), nil, nil
	}
}

// buildLocker returns the instance locker and its readiness check.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger, cleanup *closers) (lock.Locker, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "redis":
		addr, err := config.Env(cfg.AddrEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("lock: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		cleanup.add(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("lock: redis ping: %w", err)
		}
		logger.Info("using redis instance lock", zap.String("addr", addr))
		check := observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return lock.NewRedisLocker(client,
			lock.WithTTL(cfg.TTL),
			lock.WithRetryInterval(cfg.RetryInterval),
			lock.WithLogger(logger),
		), check, nil
	default:
		return lock.NewMemoryLocker(), nil, nil
	}
}

// buildPublisher returns the outbox publisher and its readiness check.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger, cleanup *closers) (outbox.Publisher, observability.HealthChecker, error) {
	switch cfg.Publisher {
	case "nats":
		url, err := config.Env(cfg.NATSURLEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("events: %w", err)
		}
		nc, err := nats.Connect(url,
			nats.Name("flowengine"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("events: nats connect: %w", err)
		}
		cleanup.add(func() { _ = nc.Drain() })
		check := observability.CheckFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
		return outbox.NewNATSPublisher(nc, cfg.SubjectPrefix), check, nil
	default:
		return outbox.NewLogPublisher(logger), nil, nil
	}
}

// runOverdueScan acts as the external scheduler for overdue reminders.
func runOverdueScan(ctx context.Context, eng *engine.Engine, cfg config.SchedulerConfig, logger *zap.Logger) {
	interval := cfg.OverdueCheckInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.ProcessOverdue(ctx, model.OverdueFilter{Limit: cfg.OverdueBatchSize})
			if err != nil {
				logger.Error("overdue scan failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("overdue scan complete", zap.Int("overdue", n))
			}
		}
	}
}
