package record

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Updater merges pipeline outcomes into records and tells the transport
type Updater struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewUpdater creates an Updater
func NewUpdater(store Store, notifier Notifier, logger *slog.Logger) *Updater {
	return &Updater{store: store, notifier: notifier, logger: logger}
}

// Store returns the underlying record store
func (u *Updater) Store() Store {
	return u.store
}

// MarkProcessing moves the record to processing and stamps the start time
func (u *Updater) MarkProcessing(ctx context.Context, key domain.RecordKey) (*domain.Record, error) {
	rec, err := u.store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusProcessing})
	if err != nil {
		return nil, fmt.Errorf("failed to mark record processing: %w", err)
	}
	return rec, nil
}

// ApplyResult merges the present fields of res and emits one result event.
// A notification failure is logged, not returned: the record is the source
// of truth and consumers re-read it.
func (u *Updater) ApplyResult(ctx context.Context, key domain.RecordKey, res domain.Result) (*domain.Record, error) {
	rec, err := u.store.Merge(ctx, key, domain.PatchFromResult(res))
	if err != nil {
		return nil, fmt.Errorf("failed to apply result: %w", err)
	}

	event := domain.Event{
		Type:             domain.EventResult,
		RecordID:         rec.RecordID,
		ContainerID:      rec.ContainerID,
		FileIndex:        rec.FileIndex,
		ProcessingStatus: rec.ProcessingStatus,
		ThumbnailURL:     res.ThumbnailURL,
		RenderURL:        res.RenderURL,
		Error:            res.Error,
	}
	if err := u.notifier.Notify(ctx, event); err != nil {
		u.logger.Warn("Failed to notify result",
			slog.String("record", key.String()),
			slog.Any("error", err),
		)
	}

	u.logger.Info("Record updated",
		slog.String("record", key.String()),
		slog.String("status", string(rec.ProcessingStatus)),
	)
	return rec, nil
}

// ReportProgress emits a progress event without touching the record
func (u *Updater) ReportProgress(ctx context.Context, payload domain.Payload, percent int) {
	p := percent
	event := domain.Event{
		Type:            domain.EventProgress,
		RecordID:        payload.RecordID,
		ContainerID:     payload.ContainerID,
		FileIndex:       payload.FileIndex,
		ProgressPercent: &p,
	}
	if err := u.notifier.Notify(ctx, event); err != nil {
		u.logger.Debug("Failed to notify progress",
			slog.String("record", payload.Key().String()),
			slog.Any("error", err),
		)
	}
}
