package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
)

const progressBuffer = 16

// progressForwarder moves converter progress onto the transport. Reports
// never block the converter: when the buffer is full the update is dropped
// and a later one supersedes it. Emitted values only increase and must
// advance by at least minDelta, except the final 100.
type progressForwarder struct {
	updates chan int
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func startProgressForwarder(ctx context.Context, updater *record.Updater, payload domain.Payload, minDelta int) *progressForwarder {
	f := &progressForwarder{
		updates: make(chan int, progressBuffer),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		last := 0
		for p := range f.updates {
			p = min(max(p, 0), 100)
			if p <= last || (p-last < minDelta && p < 100) {
				continue
			}
			updater.ReportProgress(ctx, payload, p)
			last = p
		}
	}()

	return f
}

// Report queues percent without blocking
func (f *progressForwarder) Report(percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.updates <- percent:
	default:
	}
}

// Close flushes queued updates and stops the forwarder
func (f *progressForwarder) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.updates)
	}
	f.mu.Unlock()
	<-f.done
}

// jobEnv is the worker's implementation of convert.Env
type jobEnv struct {
	records  record.Store
	key      domain.RecordKey
	progress *progressForwarder
	logger   *slog.Logger
}

func (e *jobEnv) ReportProgress(percent int) {
	e.progress.Report(percent)
}

// Checkpoint stops the job when its record was cancelled or deleted. A
// failed lookup lets the job continue; the next checkpoint or the final
// merge will see the record.
func (e *jobEnv) Checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := e.records.Get(ctx, e.key)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		e.logger.Info("Record removed, stopping job", slog.String("stage", stage))
		return domain.ErrCancelled
	case err != nil:
		e.logger.Warn("Failed to load record at checkpoint",
			slog.String("stage", stage),
			slog.Any("error", err),
		)
		return nil
	case rec.ProcessingStatus == domain.StatusCancelled:
		e.logger.Info("Record cancelled, stopping job", slog.String("stage", stage))
		return domain.ErrCancelled
	}
	return nil
}
