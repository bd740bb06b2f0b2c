// Package sweep reconciles the job queue with record state. It repairs
// records whose job was lost before reaching the queue and records left in
// processing by a worker that died holding the lease.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
)

// Config holds sweeper dependencies and thresholds
type Config struct {
	Logger  *slog.Logger
	Queue   queue.Queue
	Updater *record.Updater

	Interval time.Duration
	// StallThreshold must exceed the queue lease so live jobs are never reset
	StallThreshold time.Duration
	EnqueueGrace   time.Duration
	MaxRecoveries  int
	BatchSize      int
	Retention      queue.RetentionPolicy
}

// Report counts what one cycle repaired
type Report struct {
	LeasesExpired int
	Reset         int
	Exhausted     int
	Enqueued      int
	Pruned        int
}

// Sweeper runs the recovery cycle on a timer
type Sweeper struct {
	logger  *slog.Logger
	queue   queue.Queue
	updater *record.Updater
	records record.Store

	interval       time.Duration
	stallThreshold time.Duration
	enqueueGrace   time.Duration
	maxRecoveries  int
	batchSize      int
	retention      queue.RetentionPolicy
}

// New creates a Sweeper
func New(cfg *Config) *Sweeper {
	s := &Sweeper{
		logger:         cfg.Logger,
		queue:          cfg.Queue,
		updater:        cfg.Updater,
		records:        cfg.Updater.Store(),
		interval:       cfg.Interval,
		stallThreshold: cfg.StallThreshold,
		enqueueGrace:   cfg.EnqueueGrace,
		maxRecoveries:  cfg.MaxRecoveries,
		batchSize:      cfg.BatchSize,
		retention:      cfg.Retention,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.stallThreshold <= 0 {
		s.stallThreshold = 30 * time.Minute
	}
	if s.enqueueGrace <= 0 {
		s.enqueueGrace = time.Minute
	}
	if s.maxRecoveries <= 0 {
		s.maxRecoveries = 3
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	return s
}

// Run sweeps once immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Recovery sweep started",
		slog.Duration("interval", s.interval),
		slog.Duration("stall_threshold", s.stallThreshold),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Recovery sweep cycle failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweep stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single cycle. Every step runs even when an earlier one
// fails; the returned error joins the step failures.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	n, err := s.queue.ExpireLeases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire leases: %w", err))
	}
	report.LeasesExpired = n

	if err := s.recoverStalled(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.repairLostEnqueues(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	pruned, err := s.queue.Prune(ctx, s.retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune: %w", err))
	}
	report.Pruned = pruned

	if report != (Report{}) {
		s.logger.Info("Recovery sweep cycle finished",
			slog.Int("leases_expired", report.LeasesExpired),
			slog.Int("reset", report.Reset),
			slog.Int("exhausted", report.Exhausted),
			slog.Int("enqueued", report.Enqueued),
			slog.Int("pruned", report.Pruned),
		)
	}

	return report, errors.Join(errs...)
}

// recoverStalled resets records stuck in processing with no live job and
// re-enqueues them in the same cycle
func (s *Sweeper) recoverStalled(ctx context.Context, report *Report) error {
	stalled, err := s.records.ListByStatus(ctx, domain.StatusProcessing, s.stallThreshold, s.batchSize)
	if err != nil {
		return fmt.Errorf("list stalled records: %w", err)
	}

	for _, rec := range stalled {
		log := s.logger.With(slog.String("record", rec.Key().String()))

		pending, err := s.queue.HasPending(ctx, rec.Key())
		if err != nil {
			log.Error("Failed to check pending jobs", slog.Any("error", err))
			continue
		}
		if pending {
			continue
		}

		if rec.RecoveryCount >= s.maxRecoveries {
			cause := fmt.Sprintf("processing stalled %d times, giving up", rec.RecoveryCount+1)
			if _, err := s.updater.ApplyResult(ctx, rec.Key(), domain.Result{Status: domain.StatusFailed, Error: cause}); err != nil {
				log.Error("Failed to mark stalled record failed", slog.Any("error", err))
				continue
			}
			log.Warn("Stalled record exceeded recovery budget",
				slog.Int("recovery_count", rec.RecoveryCount),
			)
			report.Exhausted++
			continue
		}

		reset, err := s.records.ResetToQueued(ctx, rec.Key(), domain.StatusProcessing, true)
		if err != nil {
			// a worker finished or the record was cancelled since the listing
			if errors.Is(err, domain.ErrTransitionRejected) || errors.Is(err, domain.ErrRecordNotFound) {
				continue
			}
			log.Error("Failed to reset stalled record", slog.Any("error", err))
			continue
		}
		report.Reset++

		log.Warn("Stalled record reset to queued",
			slog.Int("recovery_count", reset.RecoveryCount),
		)

		if s.enqueue(ctx, reset, log) {
			report.Enqueued++
		}
	}
	return nil
}

// repairLostEnqueues re-enqueues queued records that have no job
func (s *Sweeper) repairLostEnqueues(ctx context.Context, report *Report) error {
	queued, err := s.records.ListByStatus(ctx, domain.StatusQueued, s.enqueueGrace, s.batchSize)
	if err != nil {
		return fmt.Errorf("list queued records: %w", err)
	}

	for _, rec := range queued {
		log := s.logger.With(slog.String("record", rec.Key().String()))

		pending, err := s.queue.HasPending(ctx, rec.Key())
		if err != nil {
			log.Error("Failed to check pending jobs", slog.Any("error", err))
			continue
		}
		if pending {
			continue
		}

		if s.enqueue(ctx, rec, log) {
			log.Warn("Re-enqueued record with no job")
			report.Enqueued++
		}
	}
	return nil
}

// enqueue submits a fresh job from the record's stored source. The queue
// refuses a second pending job for the key, so a replica or submission that
// got there first wins. A stored source the queue refuses can never
// succeed, so the record is failed.
func (s *Sweeper) enqueue(ctx context.Context, rec *domain.Record, log *slog.Logger) bool {
	job, err := s.queue.Enqueue(ctx, domain.JobSpec{Type: rec.JobType, Payload: rec.Source})
	if err == nil {
		log.Info("Recovery job enqueued", slog.String("job_id", job.ID))
		return true
	}

	if errors.Is(err, domain.ErrAlreadyPending) {
		log.Debug("Record was enqueued concurrently", slog.Any("reason", err))
		return false
	}

	if !errors.Is(err, domain.ErrInvalidPayload) {
		log.Error("Failed to enqueue recovery job", slog.Any("error", err))
		return false
	}

	log.Error("Stored source cannot be enqueued", slog.Any("error", err))
	res := domain.Result{Status: domain.StatusFailed, Error: "cannot recover: " + err.Error()}
	if _, err := s.updater.ApplyResult(ctx, rec.Key(), res); err != nil {
		log.Error("Failed to mark record failed", slog.Any("error", err))
	}
	return false
}
