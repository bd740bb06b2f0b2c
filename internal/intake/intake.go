// Package intake is the caller side of the pipeline: it records uploads as
// queued, enqueues their jobs and handles cancel and retry requests.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
)

// ErrNotRetryable is returned when Retry is asked for a record that has not failed
var ErrNotRetryable = errors.New("record is not in a retryable state")

var validate = validator.New()

// Submission is the outcome of Submit or Retry
type Submission struct {
	Record *domain.Record
	// Job is nil when an existing pending job already covers the record
	Job          *domain.Job
	Deduplicated bool
}

// Service accepts work for the pipeline
type Service struct {
	logger  *slog.Logger
	queue   queue.Queue
	updater *record.Updater
	records record.Store
	guard   Guard
}

// NewService creates a Service. A nil guard serializes submissions within
// this process only.
func NewService(q queue.Queue, updater *record.Updater, guard Guard, logger *slog.Logger) *Service {
	if guard == nil {
		guard = NewLocalGuard()
	}
	return &Service{
		logger:  logger,
		queue:   q,
		updater: updater,
		records: updater.Store(),
		guard:   guard,
	}
}

// Submit records the file as queued and enqueues its job. A record that
// already has a pending job is not enqueued twice.
func (s *Service) Submit(ctx context.Context, spec domain.JobSpec) (*Submission, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidPayload, spec.Type)
	}
	if err := validate.Struct(spec.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := spec.Payload.Source.Validate(); err != nil {
		return nil, err
	}

	key := spec.Payload.Key()
	unlock, err := s.guard.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pending, err := s.queue.HasPending(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending jobs: %w", err)
	}
	if pending {
		rec, err := s.records.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Submission deduplicated, job already pending",
			slog.String("record", key.String()),
		)
		return &Submission{Record: rec, Deduplicated: true}, nil
	}

	rec, err := s.records.Upsert(ctx, &domain.Record{
		RecordID:    spec.Payload.RecordID,
		FileIndex:   spec.Payload.FileIndex,
		ContainerID: spec.Payload.ContainerID,
		JobType:     spec.Type,
		Source:      spec.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}

	// the record is durable now; if enqueue fails the sweep repairs it
	job, err := s.queue.Enqueue(ctx, spec)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyPending) {
			// the recovery sweep enqueued it between the check and here
			return &Submission{Record: rec, Deduplicated: true}, nil
		}
		return nil, err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("record", key.String()),
	)
	return &Submission{Record: rec, Job: job}, nil
}

// Cancel marks the record cancelled. Running jobs stop at their next
// checkpoint and never publish artifacts afterwards.
func (s *Service) Cancel(ctx context.Context, key domain.RecordKey) (*domain.Record, error) {
	rec, err := s.updater.ApplyResult(ctx, key, domain.Result{Status: domain.StatusCancelled})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Record cancelled", slog.String("record", key.String()))
	return rec, nil
}

// Retry re-enqueues a failed record from its stored source
func (s *Service) Retry(ctx context.Context, key domain.RecordKey) (*Submission, error) {
	unlock, err := s.guard.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.records.ResetToQueued(ctx, key, domain.StatusFailed, false)
	if err != nil {
		if errors.Is(err, domain.ErrTransitionRejected) {
			return nil, ErrNotRetryable
		}
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, domain.JobSpec{Type: rec.JobType, Payload: rec.Source})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyPending) {
			return &Submission{Record: rec, Deduplicated: true}, nil
		}
		return nil, err
	}

	s.logger.Info("Job resubmitted",
		slog.String("job_id", job.ID),
		slog.String("record", key.String()),
	)
	return &Submission{Record: rec, Job: job}, nil
}

// Record returns the processing fields of a record
func (s *Service) Record(ctx context.Context, key domain.RecordKey) (*domain.Record, error) {
	return s.records.Get(ctx, key)
}
