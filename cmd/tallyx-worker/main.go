// Command tallyx-worker consumes chunk tasks and runs them against the
// cryptographic engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mohans/tallyx/engine"
	"github.com/mohans/tallyx/internal/config"
	"github.com/mohans/tallyx/internal/logging"
	"github.com/mohans/tallyx/internal/metrics"
	"github.com/mohans/tallyx/notify"
	"github.com/mohans/tallyx/queue"
	"github.com/mohans/tallyx/store"
	"github.com/mohans/tallyx/worker"
)

func main() {
	configPath := flag.String("config", "tallyx.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tallyx-worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Engine.BaseURL == "" {
		return errors.New("engine.base_url is required")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	st.DB().SetMaxOpenConns(cfg.Database.MaxOpenConns)

	m := metrics.New(cfg.Metrics.Namespace)
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Worker.MetricsAddress, cfg.Metrics.Path, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	h, err := worker.NewHandler(st, engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.Timeout), worker.Config{
		OperationTimeout:   cfg.Worker.OperationTimeout,
		CompletedCacheSize: cfg.Worker.CompletedCacheSize,
	},
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithNotifier(notify.NewPublisher(rdb, cfg.Redis.Channel)),
	)
	if err != nil {
		return err
	}

	mux := asynq.NewServeMux()
	h.Register(mux)
	p := queue.NewProcessor(asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, queue.ProcessorConfig{
		Concurrency:         cfg.Worker.Concurrency,
		MaxChunksPerProcess: cfg.Worker.MaxChunksPerProcess,
		ShutdownTimeout:     cfg.Worker.ShutdownTimeout,
		Logger:              logger,
		Metrics:             m,
	})
	if err := p.Start(mux); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	logger.Info("worker started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_chunks_per_process", cfg.Worker.MaxChunksPerProcess))

	select {
	case <-ctx.Done():
		logger.Info("signal received, draining")
	case <-p.Recycled():
		// a supervisor is expected to start a fresh process
		logger.Info("chunk budget reached, draining for restart")
	}
	p.Shutdown()
	return nil
}
