package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Memory is an in-process Store
type Memory struct {
	mu      sync.Mutex
	records map[domain.RecordKey]*domain.Record
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[domain.RecordKey]*domain.Record),
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func clone(r *domain.Record) *domain.Record {
	c := *r
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	return &c
}

func (m *Memory) Get(_ context.Context, key domain.RecordKey) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return clone(r), nil
}

func (m *Memory) Upsert(_ context.Context, rec *domain.Record) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := rec.Key()

	existing, ok := m.records[key]
	if !ok {
		r := clone(rec)
		r.ProcessingStatus = domain.StatusQueued
		r.ProcessingStartedAt = nil
		r.RecoveryCount = 0
		r.CreatedAt = now
		r.UpdatedAt = now
		m.records[key] = r
		return clone(r), nil
	}

	if existing.ProcessingStatus == domain.StatusCancelled {
		return nil, domain.ErrTransitionRejected
	}

	existing.ContainerID = rec.ContainerID
	existing.JobType = rec.JobType
	existing.Source = rec.Source
	existing.ProcessingStatus = domain.StatusQueued
	existing.ProcessingStartedAt = nil
	existing.ThumbnailURL = ""
	existing.RenderURL = ""
	existing.Error = ""
	existing.UpdatedAt = now
	return clone(existing), nil
}

func (m *Memory) Merge(_ context.Context, key domain.RecordKey, patch domain.RecordPatch) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	if !contains(allowedFor(patch), r.ProcessingStatus) {
		return nil, domain.ErrTransitionRejected
	}

	now := m.now()
	if patch.Status != "" {
		if patch.Status == domain.StatusProcessing {
			started := now
			r.ProcessingStartedAt = &started
		}
		r.ProcessingStatus = patch.Status
	}
	if patch.ThumbnailURL != nil {
		r.ThumbnailURL = *patch.ThumbnailURL
	}
	if patch.RenderURL != nil {
		r.RenderURL = *patch.RenderURL
	}
	if patch.Error != nil {
		r.Error = *patch.Error
	}
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *Memory) ResetToQueued(_ context.Context, key domain.RecordKey, from domain.ProcessingStatus, recovered bool) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	if r.ProcessingStatus != from {
		return nil, domain.ErrTransitionRejected
	}

	r.ProcessingStatus = domain.StatusQueued
	r.ProcessingStartedAt = nil
	r.Error = ""
	if recovered {
		r.RecoveryCount++
	}
	r.UpdatedAt = m.now()
	return clone(r), nil
}

func (m *Memory) ListByStatus(_ context.Context, status domain.ProcessingStatus, olderThan time.Duration, limit int) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var out []*domain.Record
	for _, r := range m.records {
		if r.ProcessingStatus != status {
			continue
		}
		since := r.UpdatedAt
		if status == domain.StatusProcessing && r.ProcessingStartedAt != nil {
			since = *r.ProcessingStartedAt
		}
		if since.After(cutoff) {
			continue
		}
		out = append(out, clone(r))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
