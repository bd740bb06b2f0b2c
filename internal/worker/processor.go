package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/blobstore"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
)

const stagePersist = "persist"

// processJob runs one claimed job to an outcome. The lease expiry is the
// job timeout.
func (w *Worker) processJob(ctx context.Context, workerName string, job *domain.Job, lease *queue.Lease) {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("record", job.Payload.Key().String()),
		slog.String("worker_name", workerName),
	)
	log.Info("Processing job",
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	jobCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, cancel, lease, heartbeatDone, log)
	defer close(heartbeatDone)

	result, err := w.executeJob(jobCtx, job, log)
	switch {
	case err == nil:
		w.completeJob(ctx, job, lease, result, log)
	case errors.Is(err, domain.ErrCancelled):
		log.Info("Job cancelled, completing without result", slog.Any("reason", err))
		w.completeJob(ctx, job, lease, nil, log)
	default:
		w.failJob(ctx, job, lease, err, log)
	}
}

// executeJob performs the steps between claim and the final record write
func (w *Worker) executeJob(ctx context.Context, job *domain.Job, log *slog.Logger) (*domain.Result, error) {
	key := job.Payload.Key()
	records := w.updater.Store()

	// pre-dispatch checkpoint
	rec, err := records.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return nil, fmt.Errorf("record %s is gone: %w", key, domain.ErrCancelled)
	case err != nil:
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load record: %w", err))
	case rec.ProcessingStatus == domain.StatusCancelled:
		return nil, domain.ErrCancelled
	}

	if _, err := w.updater.MarkProcessing(ctx, key); err != nil {
		if errors.Is(err, domain.ErrTransitionRejected) || errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("record %s no longer accepts processing: %w", key, domain.ErrCancelled)
		}
		return nil, domain.NewRetryableError(err)
	}

	if _, err := w.registry.Lookup(job.Type); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(w.tempDir, "job-"+job.ID+"-")
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("Failed to remove work dir",
				slog.String("path", workDir),
				slog.Any("error", err),
			)
		}
	}()

	src, err := w.fetcher.Fetch(ctx, job.Payload.Source, job.Payload.Filename, workDir)
	if err != nil {
		return nil, err
	}

	mimeType := job.Payload.MimeType
	if mimeType == "" {
		mimeType = src.MimeType
	}
	task := convert.Task{
		JobID:      job.ID,
		Type:       job.Type,
		RecordID:   job.Payload.RecordID,
		FileIndex:  job.Payload.FileIndex,
		Filename:   job.Payload.Filename,
		MimeType:   mimeType,
		SourcePath: src.Path,
		SourceExt:  src.Ext,
		SourceSize: src.Size,
		WorkDir:    workDir,
	}

	progress := startProgressForwarder(ctx, w.updater, job.Payload, w.progressMinDelta)
	env := &jobEnv{records: records, key: key, progress: progress, logger: log}

	started := time.Now()
	out, err := w.executor.Execute(ctx, task, env)
	progress.Close()

	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			log.Info("Nothing to convert for this format", slog.Any("reason", err))
			return &domain.Result{Status: domain.StatusCompleted}, nil
		}
		return nil, err
	}

	log.Info("Conversion finished",
		slog.Duration("duration", time.Since(started)),
		slog.Bool("artifact", out.HasArtifact()),
	)

	// final checkpoint: a cancel that lands now must not publish artifacts
	if err := env.Checkpoint(ctx, stagePersist); err != nil {
		return nil, err
	}

	result := &domain.Result{Status: domain.StatusCompleted}
	if !out.HasArtifact() {
		return result, nil
	}

	url, err := w.persist(ctx, out, workDir)
	if err != nil {
		return nil, err
	}
	switch out.Kind {
	case convert.ArtifactThumbnail:
		result.ThumbnailURL = url
	case convert.ArtifactRender:
		result.RenderURL = url
	}
	return result, nil
}

// persist uploads the artifact a converter left in workDir
func (w *Worker) persist(ctx context.Context, out *convert.Output, workDir string) (string, error) {
	rel, err := filepath.Rel(workDir, out.Path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.NewConversionFailed(stagePersist, fmt.Errorf("artifact %q is outside the work dir", out.Path))
	}

	f, err := os.Open(out.Path)
	if err != nil {
		return "", domain.NewConversionFailed(stagePersist, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", domain.NewConversionFailed(stagePersist, err)
	}

	var obj *blobstore.Object
	switch out.Kind {
	case convert.ArtifactThumbnail:
		obj, err = w.blobs.SaveThumbnail(ctx, f, info.Size(), out.Filename, out.ContentType)
	case convert.ArtifactRender:
		obj, err = w.blobs.SaveRender(ctx, f, info.Size(), out.Filename, out.ContentType)
	default:
		return "", domain.NewConversionFailed(stagePersist, fmt.Errorf("unknown artifact kind %q", out.Kind))
	}
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to store artifact: %w", err))
	}
	return obj.URL, nil
}

// completeJob merges result into the record, then completes the queue job.
// A nil result completes the job without touching the record.
func (w *Worker) completeJob(ctx context.Context, job *domain.Job, lease *queue.Lease, result *domain.Result, log *slog.Logger) {
	if result != nil {
		if _, err := w.updater.ApplyResult(ctx, job.Payload.Key(), *result); err != nil {
			if !errors.Is(err, domain.ErrTransitionRejected) && !errors.Is(err, domain.ErrRecordNotFound) {
				w.failJob(ctx, job, lease, domain.NewRetryableError(err), log)
				return
			}
			log.Info("Record no longer accepts this result, dropping it", slog.Any("reason", err))
			w.discardArtifacts(ctx, result, log)
		}
	}

	if err := w.queue.Complete(ctx, lease, result); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Warn("Job lease lost before completion", slog.Any("error", err))
			return
		}
		log.Error("Failed to complete job", slog.Any("error", err))
		return
	}

	log.Info("Job completed successfully")
}

// discardArtifacts removes objects uploaded for a result the record refused
func (w *Worker) discardArtifacts(ctx context.Context, result *domain.Result, log *slog.Logger) {
	artifacts := []struct{ category, url string }{
		{domain.CategoryThumbnails, result.ThumbnailURL},
		{domain.CategoryRenders, result.RenderURL},
	}
	for _, a := range artifacts {
		if a.url == "" {
			continue
		}
		if _, err := w.blobs.Remove(ctx, a.category, a.url); err != nil {
			log.Warn("Failed to remove orphaned artifact",
				slog.String("url", a.url),
				slog.Any("error", err),
			)
		}
	}
}

// failJob hands the error to the queue and, once the retry budget is spent,
// records the failure
func (w *Worker) failJob(ctx context.Context, job *domain.Job, lease *queue.Lease, cause error, log *slog.Logger) {
	retryable := shouldRetryJob(cause)

	outcome, err := w.queue.Fail(ctx, lease, cause, retryable)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Warn("Job lease lost before failure was recorded",
				slog.Any("cause", cause),
			)
			return
		}
		log.Error("Failed to record job failure",
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		return
	}

	if !outcome.Exhausted() {
		log.Warn("Job execution failed, will be retried",
			slog.Any("error", cause),
			slog.Int("attempt", outcome.Attempts),
			slog.Time("run_at", outcome.RunAt),
		)
		return
	}

	log.Error("Job failed permanently",
		slog.Any("error", cause),
		slog.Int("attempt", outcome.Attempts),
		slog.Bool("retryable", retryable),
	)
	captureFailure(job, cause)

	res := domain.Result{Status: domain.StatusFailed, Error: cause.Error()}
	if _, err := w.updater.ApplyResult(ctx, job.Payload.Key(), res); err != nil {
		if errors.Is(err, domain.ErrTransitionRejected) || errors.Is(err, domain.ErrRecordNotFound) {
			log.Info("Record no longer accepts failure, leaving it", slog.Any("reason", err))
			return
		}
		log.Error("Failed to mark record failed", slog.Any("error", err))
	}
}

// sendJobHeartbeat touches the lease periodically and aborts the job once
// the lease is gone
func (w *Worker) sendJobHeartbeat(ctx context.Context, abort context.CancelFunc, lease *queue.Lease, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Touch(ctx, lease)
			switch {
			case err == nil:
				log.Debug("Job heartbeat updated")
			case errors.Is(err, domain.ErrLeaseLost):
				log.Warn("Job lease lost, aborting")
				abort()
				return
			default:
				log.Warn("Failed to update job heartbeat", slog.Any("error", err))
			}
		}
	}
}

func captureFailure(job *domain.Job, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", job.ID)
		scope.SetTag("job_type", string(job.Type))
		scope.SetTag("record_id", job.Payload.RecordID)
		sentry.CaptureException(err)
	})
}
