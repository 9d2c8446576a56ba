// Command tallyx-dispatcher accepts jobs over HTTP, publishes their chunks to
// the broker and folds worker outcomes back into job progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mohans/tallyx/dispatcher"
	"github.com/mohans/tallyx/internal/api"
	"github.com/mohans/tallyx/internal/config"
	"github.com/mohans/tallyx/internal/logging"
	"github.com/mohans/tallyx/internal/metrics"
	"github.com/mohans/tallyx/notify"
	"github.com/mohans/tallyx/queue"
	"github.com/mohans/tallyx/store"
)

func main() {
	configPath := flag.String("config", "tallyx.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tallyx-dispatcher:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("dispatcher")

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
			if err := m.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Path, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	// The broker's own deadline backs up the worker's operation timeout.
	broker := queue.NewClient(redisOpt, queue.ClientOptions{Timeout: cfg.Dispatcher.ProcessingGrace})
	defer broker.Close()

	d, err := dispatcher.New(st, broker, dispatcher.Config{
		Interval:               cfg.Dispatcher.Interval,
		QueuedTimeout:          cfg.Dispatcher.QueuedTimeout,
		ProcessingGrace:        cfg.Dispatcher.ProcessingGrace,
		LockGrace:              cfg.Dispatcher.LockGrace,
		MaxRetries:             cfg.Dispatcher.MaxRetries,
		MaxInFlightPerInstance: cfg.Dispatcher.MaxInFlightPerInstance,
		PublishRate:            cfg.Dispatcher.PublishRate,
		PublishBurst:           cfg.Dispatcher.PublishBurst,
		RetiredCacheSize:       cfg.Dispatcher.RetiredCacheSize,
	}, dispatcher.WithLogger(logger), dispatcher.WithMetrics(m))
	if err != nil {
		return err
	}
	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	stopSweeper, err := d.StartSweeper(ctx, cfg.Dispatcher.SweepSchedule)
	if err != nil {
		return err
	}
	defer stopSweeper()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	sub, err := notify.Subscribe(ctx, rdb, cfg.Redis.Channel, logger)
	if err != nil {
		// Without events the dispatcher still converges on its tick.
		logger.Warn("chunk events unavailable", zap.Error(err))
	} else {
		defer sub.Close()
		go func() { _ = sub.Run(ctx, func(notify.Event) { d.Trigger() }) }()
	}

	srv := &http.Server{
		Addr:              cfg.API.Address,
		Handler:           api.NewRouter(d, logger.Named("api"), api.WithMaxBodyBytes(cfg.API.MaxBodyBytes)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.API.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() { errc <- d.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.GracefulTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("api shutdown", zap.Error(serr))
	}
	return err
}
