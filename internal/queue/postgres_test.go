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
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresQueue(t *testing.T, opts Options) *Postgres {
	t.Helper()
	db := pgtest.Open(t, "media_jobs")
	return NewPostgres(db, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPostgres_EnqueueAndClaim(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	_, _, err := q.TryClaim(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	low, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, low.State)
	assert.Equal(t, 3, low.MaxAttempts)

	urgent := imageSpec("rec-2", 0)
	urgent.Priority = 10
	high, err := q.Enqueue(ctx, urgent)
	require.NoError(t, err)

	job, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, job.ID, "higher priority first")
	assert.Equal(t, domain.JobStateActive, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w1", job.WorkerID)
	assert.Equal(t, "rec-2", job.Payload.RecordID)
	assert.NotEmpty(t, lease.Token)
	require.NoError(t, q.Touch(ctx, lease))

	job, _, err = q.TryClaim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, low.ID, job.ID)

	_, _, err = q.TryClaim(ctx, "w3")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPostgres_ConcurrentClaimIsExclusive(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, imageSpec("rec", i))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := q.TryClaim(ctx, "w")
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPostgres_StaleLeaseRejected(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	stale := &Lease{JobID: lease.JobID, Token: "not-the-token"}
	assert.ErrorIs(t, q.Touch(ctx, stale), domain.ErrLeaseLost)
	assert.ErrorIs(t, q.Complete(ctx, stale, nil), domain.ErrLeaseLost)
	_, err = q.Fail(ctx, stale, errors.New("boom"), true)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	result := &domain.Result{Status: domain.StatusCompleted, ThumbnailURL: "https://cdn/thumbnails/a.webp"}
	require.NoError(t, q.Complete(ctx, lease, result))
	assert.ErrorIs(t, q.Complete(ctx, lease, result), domain.ErrLeaseLost, "a finished job cannot be completed twice")

	job, err := q.Get(ctx, lease.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, result.ThumbnailURL, job.Result.ThumbnailURL)
	assert.NotNil(t, job.FinishedAt)
	assert.Nil(t, job.LeaseExpiresAt)
}

func TestPostgres_FailRetriesThenFails(t *testing.T) {
	q := newPostgresQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	spec := imageSpec("rec-1", 0)
	spec.Backoff = domain.BackoffPolicy{Base: time.Hour}
	_, err := q.Enqueue(ctx, spec)
	require.NoError(t, err)

	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	outcome, err := q.Fail(ctx, lease, errors.New("flaky"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, outcome.State)
	assert.False(t, outcome.Exhausted())
	assert.WithinDuration(t, time.Now().Add(time.Hour), outcome.RunAt, time.Minute)

	_, _, err = q.TryClaim(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "a delayed job is not due yet")

	_, err = q.db.ExecContext(ctx, `UPDATE media_jobs SET run_at = NOW() - INTERVAL '1 second' WHERE id = $1`, lease.JobID)
	require.NoError(t, err)

	job, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "flaky", job.LastError)

	outcome, err = q.Fail(ctx, lease, errors.New("still flaky"), true)
	require.NoError(t, err)
	assert.True(t, outcome.Exhausted(), "attempts are spent")

	failed, err := q.Get(ctx, lease.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, failed.State)
	assert.Equal(t, "still flaky", failed.LastError)
}

func TestPostgres_FailPermanent(t *testing.T) {
	q := newPostgresQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	outcome, err := q.Fail(ctx, lease, errors.New("corrupt"), false)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, outcome.State)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestPostgres_RetryWithoutBackoffIsWaiting(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	outcome, err := q.Fail(ctx, lease, errors.New("flaky"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, outcome.State)

	_, _, err = q.TryClaim(ctx, "w2")
	assert.NoError(t, err)
}

func TestPostgres_EnqueueRefusesSecondPendingJob(t *testing.T) {
	q := newPostgresQueue(t, Options{LeaseDuration: 200 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)

	pending, err := q.HasPending(ctx, domain.RecordKey{RecordID: "rec-1"})
	require.NoError(t, err)
	assert.True(t, pending)

	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)

	_, _, err = q.TryClaim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.ErrorIs(t, err, domain.ErrAlreadyPending, "a live lease is still pending")

	time.Sleep(300 * time.Millisecond)
	pending, err = q.HasPending(ctx, domain.RecordKey{RecordID: "rec-1"})
	require.NoError(t, err)
	assert.False(t, pending, "an expired lease is not")
	_, err = q.Enqueue(ctx, imageSpec("rec-1", 0))
	assert.NoError(t, err)
}

func TestPostgres_ConcurrentEnqueueOfOneKey(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dup     int
	)
	for i := 0; i < 8; i++ {
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
	assert.Equal(t, 7, dup)
}

func TestPostgres_ExpireLeases(t *testing.T) {
	q := newPostgresQueue(t, Options{LeaseDuration: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, imageSpec("rec-1", 0))
	require.NoError(t, err)
	_, lease, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	n, err := q.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(200 * time.Millisecond)
	n, err = q.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Get(ctx, lease.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, leaseExpiredMessage, job.LastError)
	assert.ErrorIs(t, q.Complete(ctx, lease, nil), domain.ErrLeaseLost)
}

func TestPostgres_Prune(t *testing.T) {
	q := newPostgresQueue(t, Options{})
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
	_, err := q.db.ExecContext(ctx, `UPDATE media_jobs SET finished_at = NOW() - INTERVAL '2 hours' WHERE id IN ($1, $2)`, oldCompleted, failed)
	require.NoError(t, err)
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

func TestPostgres_StatsAndList(t *testing.T) {
	q := newPostgresQueue(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, imageSpec("rec", i))
		require.NoError(t, err)
	}
	_, _, err := q.TryClaim(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Waiting)
	assert.EqualValues(t, 1, stats.Active)

	waiting, err := q.List(ctx, ListFilter{State: domain.JobStateWaiting})
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	_, err = q.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
