package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/bootstrap"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/config"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/source"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/sweep"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/worker"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/logger"
	"golang.org/x/sync/errgroup"
)

const convertCommand = "convert"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if flag.Arg(0) == convertCommand {
		return runConvert(cfg)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("isolation", cfg.Worker.Isolation),
	)

	if err := initSentry(&cfg.Sentry); err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	registry := worker.BuildRegistry(&cfg.Pipeline)

	executor, err := initExecutor(cfg, *configPath, registry, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	workerCfg := &worker.Config{
		Logger:            appLogger.Logger,
		Queue:             res.Queue,
		Updater:           res.Updater,
		Blobs:             res.Blobs,
		Fetcher:           source.NewFetcher(cfg.Pipeline.FetchTimeout, cfg.Pipeline.MaxSourceBytes, appLogger.Logger),
		Registry:          registry,
		Executor:          executor,
		Signal:            res.Signal,
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		TempDir:           cfg.Worker.TempDir,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ProgressMinDelta:  cfg.Worker.ProgressMinDelta,
	}
	if res.Rabbit != nil {
		workerCfg.Deliveries = res.Rabbit
	}
	workerInstance := worker.NewWorker(workerCfg)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return workerInstance.Start(groupCtx)
	})

	if cfg.Sweep.Enabled {
		sweeper := sweep.New(&sweep.Config{
			Logger:         appLogger.Logger,
			Queue:          res.Queue,
			Updater:        res.Updater,
			Interval:       cfg.Sweep.Interval,
			StallThreshold: cfg.Sweep.StallThreshold,
			EnqueueGrace:   cfg.Sweep.EnqueueGrace,
			MaxRecoveries:  cfg.Sweep.MaxRecoveries,
			BatchSize:      cfg.Sweep.BatchSize,
			Retention:      bootstrap.RetentionPolicy(&cfg.Queue),
		})
		group.Go(func() error {
			return sweeper.Run(groupCtx)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-groupCtx.Done():
		appLogger.Error("Worker stopped unexpectedly")
	}

	// Cancel context to stop claiming; in-flight jobs get the shutdown timeout
	cancel()

	done := make(chan error, 1)
	go func() {
		workerInstance.Stop()
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// runConvert is the conversion child: one task over stdin/stdout, logs on stderr
func runConvert(cfg *config.Config) error {
	childLogger := logger.NewStderr(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.RunChild(ctx, os.Stdin, os.Stdout, worker.BuildRegistry(&cfg.Pipeline), childLogger.Logger)
}

// initExecutor picks where converters run. The subprocess executor re-runs
// this binary with the convert subcommand so a crashing decoder cannot take
// the worker down.
func initExecutor(cfg *config.Config, configPath string, registry *convert.Registry, workerLogger *slog.Logger) (worker.Executor, error) {
	if cfg.Worker.Isolation == config.IsolationInProcess {
		return worker.NewInProcessExecutor(registry), nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate worker binary: %w", err)
	}

	return worker.NewSubprocessExecutor(worker.SubprocessConfig{
		Path: self,
		Args: []string{"-config", configPath, convertCommand},
	}, workerLogger), nil
}

// initSentry enables error reporting when a DSN is configured
func initSentry(cfg *config.SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
}
