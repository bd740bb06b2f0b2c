package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

type memoryEntry struct {
	job   domain.Job
	token string
	seq   int64
}

// Memory is an in-process Queue used by tests and single-node development
type Memory struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*memoryEntry
	seq  int64
	now  func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue
func NewMemory(opts Options, logger *slog.Logger) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		logger: logger,
		jobs:   make(map[string]*memoryEntry),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	spec, err := normalizeSpec(spec, m.opts)
	if err != nil {
		return nil, err
	}

	key := spec.Payload.Key()

	m.mu.Lock()
	now := m.now()
	if m.pendingLocked(key, now) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyPending, key)
	}
	m.seq++
	entry := &memoryEntry{
		seq: m.seq,
		job: domain.Job{
			ID:          uuid.NewString(),
			Type:        spec.Type,
			Payload:     spec.Payload,
			State:       domain.JobStateWaiting,
			Priority:    spec.Priority,
			MaxAttempts: spec.MaxAttempts,
			Backoff:     spec.Backoff,
			RunAt:       now,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	m.jobs[entry.job.ID] = entry
	job := entry.job
	m.mu.Unlock()

	m.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("record", job.Payload.Key().String()),
	)

	announce(ctx, m.opts, m.logger, job.ID)

	return &job, nil
}

func (m *Memory) Claim(ctx context.Context, workerID string) (*domain.Job, *Lease, error) {
	return claimBlocking(ctx, m.opts.Signal, m.opts.PollInterval, func() (*domain.Job, *Lease, error) {
		return m.TryClaim(ctx, workerID)
	})
}

func (m *Memory) TryClaim(_ context.Context, workerID string) (*domain.Job, *Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *memoryEntry
	for _, e := range m.jobs {
		if e.job.State == domain.JobStateDelayed && !e.job.RunAt.After(now) {
			e.job.State = domain.JobStateWaiting
			e.job.UpdatedAt = now
		}
		if e.job.State != domain.JobStateWaiting {
			continue
		}
		if best == nil || e.job.Priority > best.job.Priority ||
			(e.job.Priority == best.job.Priority && e.seq < best.seq) {
			best = e
		}
	}

	if best == nil {
		return nil, nil, domain.ErrJobNotFound
	}

	expires := now.Add(m.opts.LeaseDuration)
	best.token = uuid.NewString()
	best.job.State = domain.JobStateActive
	best.job.Attempts++
	best.job.WorkerID = workerID
	best.job.LeaseExpiresAt = &expires
	best.job.UpdatedAt = now

	job := best.job
	return &job, &Lease{JobID: job.ID, Token: best.token, ExpiresAt: expires}, nil
}

// leased returns the entry held by lease; callers hold m.mu
func (m *Memory) leased(lease *Lease) (*memoryEntry, error) {
	if lease == nil {
		return nil, domain.ErrLeaseLost
	}
	e, ok := m.jobs[lease.JobID]
	if !ok || e.job.State != domain.JobStateActive || e.token != lease.Token {
		return nil, domain.ErrLeaseLost
	}
	return e, nil
}

func (m *Memory) Touch(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(lease)
	if err != nil {
		return err
	}
	e.job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Complete(_ context.Context, lease *Lease, result *domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(lease)
	if err != nil {
		return err
	}

	now := m.now()
	e.token = ""
	e.job.State = domain.JobStateCompleted
	e.job.LeaseExpiresAt = nil
	e.job.FinishedAt = &now
	e.job.UpdatedAt = now
	if result != nil {
		r := *result
		e.job.Result = &r
	}
	return nil
}

func (m *Memory) Fail(_ context.Context, lease *Lease, cause error, retryable bool) (FailOutcome, error) {
	m.mu.Lock()

	e, err := m.leased(lease)
	if err != nil {
		m.mu.Unlock()
		return FailOutcome{}, err
	}

	now := m.now()
	e.token = ""
	e.job.LeaseExpiresAt = nil
	e.job.UpdatedAt = now
	if cause != nil {
		e.job.LastError = cause.Error()
	}

	wake := false
	if retryable && e.job.CanRetry() {
		delay := e.job.Backoff.Delay(e.job.Attempts)
		e.job.RunAt = now.Add(delay)
		if delay > 0 {
			e.job.State = domain.JobStateDelayed
		} else {
			e.job.State = domain.JobStateWaiting
			wake = true
		}
	} else {
		e.job.State = domain.JobStateFailed
		e.job.FinishedAt = &now
	}

	out := FailOutcome{State: e.job.State, Attempts: e.job.Attempts, RunAt: e.job.RunAt}
	m.mu.Unlock()

	if wake {
		m.opts.Signal.Notify()
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job := e.job
	return &job, nil
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, e := range m.jobs {
		if filter.State != "" && e.job.State != filter.State {
			continue
		}
		if filter.Type != "" && e.job.Type != filter.Type {
			continue
		}
		if c := filter.Cursor; c != nil {
			if e.job.CreatedAt.After(c.CreatedAt) ||
				(e.job.CreatedAt.Equal(c.CreatedAt) && e.job.ID >= c.JobID) {
				continue
			}
		}
		job := e.job
		out = append(out, &job)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	limit := filter.PageSize
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, e := range m.jobs {
		switch e.job.State {
		case domain.JobStateWaiting:
			s.Waiting++
		case domain.JobStateActive:
			s.Active++
		case domain.JobStateCompleted:
			s.Completed++
		case domain.JobStateFailed:
			s.Failed++
		case domain.JobStateDelayed:
			s.Delayed++
		}
	}
	return &s, nil
}

func (m *Memory) HasPending(_ context.Context, key domain.RecordKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pendingLocked(key, m.now()), nil
}

// pendingLocked reports whether key has a waiting, delayed or live active
// job; callers hold m.mu
func (m *Memory) pendingLocked(key domain.RecordKey, now time.Time) bool {
	for _, e := range m.jobs {
		if e.job.Payload.Key() != key {
			continue
		}
		switch e.job.State {
		case domain.JobStateWaiting, domain.JobStateDelayed:
			return true
		case domain.JobStateActive:
			if e.job.LeaseExpiresAt != nil && e.job.LeaseExpiresAt.After(now) {
				return true
			}
		}
	}
	return false
}

func (m *Memory) ExpireLeases(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.jobs {
		if e.job.State != domain.JobStateActive || e.job.LeaseExpiresAt == nil || e.job.LeaseExpiresAt.After(now) {
			continue
		}
		finished := now
		e.token = ""
		e.job.State = domain.JobStateFailed
		e.job.LastError = leaseExpiredMessage
		e.job.LeaseExpiresAt = nil
		e.job.FinishedAt = &finished
		e.job.UpdatedAt = now
		n++

		m.logger.Warn("Job lease expired",
			slog.String("job_id", e.job.ID),
			slog.String("worker_id", e.job.WorkerID),
		)
	}
	return n, nil
}

func (m *Memory) Prune(_ context.Context, policy RetentionPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var completed []*memoryEntry
	removed := 0

	for id, e := range m.jobs {
		switch e.job.State {
		case domain.JobStateCompleted:
			if policy.CompletedTTL > 0 && e.job.FinishedAt != nil && now.Sub(*e.job.FinishedAt) > policy.CompletedTTL {
				delete(m.jobs, id)
				removed++
				continue
			}
			completed = append(completed, e)
		case domain.JobStateFailed:
			if policy.FailedTTL > 0 && e.job.FinishedAt != nil && now.Sub(*e.job.FinishedAt) > policy.FailedTTL {
				delete(m.jobs, id)
				removed++
			}
		}
	}

	if policy.CompletedKeep > 0 && len(completed) > policy.CompletedKeep {
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].seq > completed[j].seq
		})
		for _, e := range completed[policy.CompletedKeep:] {
			delete(m.jobs, e.job.ID)
			removed++
		}
	}

	return removed, nil
}
