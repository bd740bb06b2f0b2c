package record

import (
	"context"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Store persists the processing fields of caller-owned records
type Store interface {
	Get(ctx context.Context, key domain.RecordKey) (*domain.Record, error)
	// Upsert creates the record as queued, or re-queues an existing one that is
	// not cancelled. The stored source lets the sweep re-enqueue later.
	Upsert(ctx context.Context, rec *domain.Record) (*domain.Record, error)
	// Merge writes only the fields present in patch, provided the current
	// status permits the transition.
	Merge(ctx context.Context, key domain.RecordKey, patch domain.RecordPatch) (*domain.Record, error)
	// ResetToQueued moves a record from one of the given statuses back to
	// queued. recovered increments the recovery counter.
	ResetToQueued(ctx context.Context, key domain.RecordKey, from domain.ProcessingStatus, recovered bool) (*domain.Record, error)
	// ListByStatus returns records in status that have not changed for olderThan
	ListByStatus(ctx context.Context, status domain.ProcessingStatus, olderThan time.Duration, limit int) ([]*domain.Record, error)
}

// allowedFor lists the statuses a patch may be applied from. A patch that
// leaves the status alone may touch anything but a cancelled record.
func allowedFor(patch domain.RecordPatch) []domain.ProcessingStatus {
	if patch.Status == "" {
		return []domain.ProcessingStatus{
			domain.StatusQueued,
			domain.StatusProcessing,
			domain.StatusCompleted,
			domain.StatusFailed,
		}
	}
	return domain.AllowedFrom(patch.Status)
}

func contains(list []domain.ProcessingStatus, s domain.ProcessingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
