package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, string(body))
	return p.err
}

func newTestQueue(t *testing.T, opts Options) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	q := NewMemory(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.SetClock(clock.Now)
	return q, clock
}

func imageSpec(recordID string, fileIndex int) domain.JobSpec {
	return domain.JobSpec{
		Type: domain.JobTypeImage,
		Payload: domain.Payload{
			RecordID:    recordID,
			ContainerID: "room-1",
			Source:      domain.SourceLocator{Path: "/uploads/cat.png"},
			Filename:    "cat.png",
			MimeType:    "image/png",
			FileIndex:   fileIndex,
		},
	}
}

func TestMemory_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(s *domain.JobSpec)
	}{
		{"unknown type", func(s *domain.JobSpec) { s.Type = "hologram" }},
		{"missing record id", func(s *domain.JobSpec) { s.Payload.RecordID = "" }},
		{"missing container id", func(s *domain.JobSpec) { s.Payload.ContainerID = "" }},
		{"negative file index", func(s *domain.JobSpec) { s.Payload.FileIndex = -1 }},
		{"no source", func(s *domain.JobSpec) { s.Payload.Source = domain.SourceLocator{} }},
		{"two sources", func(s *domain.JobSpec) { s.Payload.Source.URL = "https://cdn.example.com/a.png" }},
		{"bad url", func(s *domain.JobSpec) {
			s.Payload.Source = domain.SourceLocator{URL: "not a url"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := imageSpec("rec-1", 0)
			tt.mutate(&spec)

			job, err := q.Enqueue(ctx, spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
			assert.Nil(t, job)
		})
	}
}

func TestMemory_EnqueueAppliesDefaultsAndPublishes(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	q, _ := newTestQueue(t, Options{
		MaxAttempts: 4,
		Backoff:     domain.BackoffPolicy{Base: time.Second, Max: time.Minute},
		Publisher:   pub,
	})

	job, err := q.Enqueue(context.Background(), imageSpec("rec-1", 0))
	require.NoError(t, err, "publish failures must not fail the enqueue")

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, time.Second, job.Backoff.Base)
	require.Len(t, pub.bodies, 1)
	assert.JSONEq(t, `{"job_id":"`+job.ID+`"}`, pub.bodies[0])
}

func TestMemory_ClaimOrder(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, imageSpec("rec-2", 0))
	require.NoError(t, err)

	urgent := imageSpec("rec-3", 0)
	urgent.Priority = 10
	third, err := q.Enqueue(ctx, urgent)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, lease, err := q.TryClaim(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, job.ID, lease.JobID)
		assert.Equal(t, domain.JobStateActive, job.State)
		assert.Equal(t, 1, job.Attempts)
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{third.ID, first.ID, second.ID}, order)

	_, _, err = q.TryClaim(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_ClaimIsExclusive(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, imageSpec("rec", i))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := q.TryClaim(ctx, "w")
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestMemory_ClaimBlocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *domain.Job, 1)
	go func() {
		job, _, err := q.Claim(ctx, "w1")
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	enqueued, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, enqueued.ID, job.ID)
	case <-ctx.Done():
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestMemory_ClaimHonoursContext(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := q.Claim(ctx, "w1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_FailRetriesWithBackoff(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	spec := imageSpec("rec-1", 0)
	spec.MaxAttempts = 3
	spec.Backoff = domain.BackoffPolicy{Base: 10 * time.Second, Max: 15 * time.Second}
	_, err := q.Enqueue(ctx, spec)
	require.NoError(t, err)

	// attempt 1 fails: delayed by 10s
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	out, err := q.Fail(ctx, lease, errors.New("boom"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, out.State)
	assert.Equal(t, clock.Now().Add(10*time.Second), out.RunAt)
	assert.False(t, out.Exhausted())

	_, _, err = q.TryClaim(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "delayed job must not be claimable before run_at")

	// attempt 2 fails: 20s capped to 15s
	clock.Advance(10 * time.Second)
	job, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	out, err = q.Fail(ctx, lease, errors.New("boom"), true)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Second), out.RunAt)

	// attempt 3 fails: exhausted
	clock.Advance(15 * time.Second)
	_, lease, err = q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	out, err = q.Fail(ctx, lease, errors.New("final boom"), true)
	require.NoError(t, err)
	assert.True(t, out.Exhausted())
	assert.Equal(t, 3, out.Attempts)

	stored, err := q.Get(ctx, lease.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, stored.State)
	assert.Equal(t, "final boom", stored.LastError)
	assert.NotNil(t, stored.FinishedAt)
}

func TestMemory_FailPermanent(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	out, err := q.Fail(ctx, lease, errors.New("bad input"), false)
	require.NoError(t, err)
	assert.True(t, out.Exhausted())
}

func TestMemory_StaleLeaseRejected(t *testing.T) {
	q, clock := newTestQueue(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	forged := &Lease{JobID: lease.JobID, Token: "not-the-token"}
	assert.ErrorIs(t, q.Complete(ctx, forged, nil), domain.ErrLeaseLost)
	assert.ErrorIs(t, q.Touch(ctx, forged), domain.ErrLeaseLost)

	clock.Advance(2 * time.Minute)
	n, err := q.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, q.Complete(ctx, lease, nil), domain.ErrLeaseLost)
	_, err = q.Fail(ctx, lease, errors.New("late"), true)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	job, err := q.Get(ctx, lease.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, "lease expired", job.LastError)
}

func TestMemory_HasPending(t *testing.T) {
	q, clock := newTestQueue(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()
	key := domain.RecordKey{RecordID: "rec-1", FileIndex: 0}

	pending, err := q.HasPending(ctx, key)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	pending, _ = q.HasPending(ctx, key)
	assert.True(t, pending, "waiting job is pending")

	other, _ := q.HasPending(ctx, domain.RecordKey{RecordID: "rec-1", FileIndex: 1})
	assert.False(t, other, "file index is part of the key")

	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	pending, _ = q.HasPending(ctx, key)
	assert.True(t, pending, "active job with live lease is pending")

	clock.Advance(2 * time.Minute)
	pending, _ = q.HasPending(ctx, key)
	assert.False(t, pending, "active job with expired lease is not pending")

	clock.Advance(-2 * time.Minute)
	require.NoError(t, q.Complete(ctx, lease, &domain.Result{Status: domain.StatusCompleted}))
	pending, _ = q.HasPending(ctx, key)
	assert.False(t, pending)
}

func TestMemory_StatsListAndCursor(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(ctx, imageSpec("rec", i))
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clock.Advance(time.Second)
	}
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, lease, nil))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Waiting: 4, Completed: 1}, stats)

	page, err := q.List(ctx, ListFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals another page")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	next, err := q.List(ctx, ListFilter{
		PageSize: 2,
		Cursor:   &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)

	completed, err := q.List(ctx, ListFilter{State: domain.JobStateCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)
}

func TestMemory_Prune(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	finish := func(succeed bool) string {
		job, err := q.Enqueue(ctx, imageSpec("rec", 0))
		require.NoError(t, err)
		_, lease, err := q.TryClaim(ctx, "w1")
		require.NoError(t, err)
		if succeed {
			require.NoError(t, q.Complete(ctx, lease, nil))
		} else {
			_, err = q.Fail(ctx, lease, errors.New("x"), false)
			require.NoError(t, err)
		}
		return job.ID
	}

	oldCompleted := finish(true)
	failed := finish(false)
	clock.Advance(2 * time.Hour)
	recent1 := finish(true)
	recent2 := finish(true)
	recent3 := finish(true)

	n, err := q.Prune(ctx, RetentionPolicy{
		CompletedTTL:  time.Hour,
		CompletedKeep: 2,
		FailedTTL:     24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = q.Get(ctx, oldCompleted)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = q.Get(ctx, recent1)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "count cap keeps only the newest completed jobs")

	for _, id := range []string{failed, recent2, recent3} {
		_, err = q.Get(ctx, id)
		assert.NoError(t, err)
	}
}

func TestMemory_EnqueueRefusesSecondPendingJob(t *testing.T) {
	q, clock := newTestQueue(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)

	_, err = q.Enqueue(ctx, imageSpec("rec-1", 1))
	assert.NoError(t, err, "another file of the record is a different key")

	// a claimed job with a live lease still counts
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, lease.JobID)
	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)

	// once the lease runs out the key is free again
	clock.Advance(2 * time.Minute)
	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.NoError(t, err)
}

func TestMemory_ConcurrentEnqueueOfOneKey(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dup     int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrAlreadyPending):
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 15, dup)
}
