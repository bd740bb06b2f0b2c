package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// claimRetryDelay paces claim attempts while the queue backend is down
const claimRetryDelay = 2 * time.Second

// spawnWorkerPool spawns N executor goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop claims and processes jobs one at a time. A claimed job runs
// to its end even when ctx is canceled, so shutdown drains instead of
// abandoning leases.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	for {
		job, lease, err := w.queue.Claim(ctx, workerName)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker goroutine stopping - context canceled",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimRetryDelay):
			}
			continue
		}

		w.logger.Info("Job claimed successfully",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
		)

		w.processJob(context.WithoutCancel(ctx), workerName, job, lease)
	}
}

// shouldRetryJob decides whether a failed attempt goes back to the queue
func shouldRetryJob(err error) bool {
	// another worker owns the job now
	if errors.Is(err, domain.ErrLeaseLost) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) || errors.Is(err, domain.ErrNoConverter) {
		return false
	}

	return domain.IsRetryable(err)
}
