package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/blobstore"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/source"
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    queue.Queue
	Updater  *record.Updater
	Blobs    *blobstore.Store
	Fetcher  *source.Fetcher
	Registry *convert.Registry
	// Executor defaults to in-process execution
	Executor Executor

	// Signal and Deliveries enable RabbitMQ wake-ups; both are optional
	Signal     *queue.Signal
	Deliveries DeliverySource

	WorkerID          string
	Concurrency       int
	TempDir           string
	HeartbeatInterval time.Duration
	ProgressMinDelta  int
}

// Worker claims jobs from the queue and runs them through the converters
type Worker struct {
	logger     *slog.Logger
	queue      queue.Queue
	updater    *record.Updater
	blobs      *blobstore.Store
	fetcher    *source.Fetcher
	registry   *convert.Registry
	executor   Executor
	signal     *queue.Signal
	deliveries DeliverySource

	workerID          string
	concurrency       int
	tempDir           string
	heartbeatInterval time.Duration
	progressMinDelta  int

	// mu orders wg.Add in Start before wg.Wait in Stop
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		queue:             cfg.Queue,
		updater:           cfg.Updater,
		blobs:             cfg.Blobs,
		fetcher:           cfg.Fetcher,
		registry:          cfg.Registry,
		executor:          cfg.Executor,
		signal:            cfg.Signal,
		deliveries:        cfg.Deliveries,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		tempDir:           cfg.TempDir,
		heartbeatInterval: cfg.HeartbeatInterval,
		progressMinDelta:  cfg.ProgressMinDelta,
		stopChan:          make(chan struct{}),
	}

	if w.executor == nil {
		w.executor = NewInProcessExecutor(w.registry)
	}
	if w.workerID == "" {
		host, _ := os.Hostname()
		w.workerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.tempDir == "" {
		w.tempDir = os.TempDir()
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.progressMinDelta <= 0 {
		w.progressMinDelta = 1
	}

	return w
}

// ID returns the identity recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pool until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.String("temp_dir", w.tempDir),
	)

	if err := os.MkdirAll(w.tempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.logger.Info("Worker stopped before it started")
		return nil
	}

	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if w.deliveries != nil && w.signal != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			// polling still finds every job
			w.logger.Warn("Wake-up consumer unavailable, relying on polling",
				slog.Any("error", err),
			)
		} else {
			w.wg.Add(1)
			go w.startMessageDispatcher(ctx, deliveries)
		}
	}

	w.spawnWorkerPool(ctx)
	w.mu.Unlock()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop stops claiming and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.mu.Lock()
	w.stopped = true
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
