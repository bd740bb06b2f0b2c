package record

import (
	"context"
	"testing"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *Postgres {
	t.Helper()
	return NewPostgres(pgtest.Open(t, "media_records"), discardLogger())
}

func seedPostgres(t *testing.T, store *Postgres, recordID string) domain.RecordKey {
	t.Helper()
	rec, err := store.Upsert(context.Background(), &domain.Record{
		RecordID:    recordID,
		ContainerID: "room-1",
		JobType:     domain.JobTypeImage,
		Source: domain.Payload{
			RecordID:    recordID,
			ContainerID: "room-1",
			Source:      domain.SourceLocator{Path: "/uploads/a.png"},
			Filename:    "a.png",
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, rec.ProcessingStatus)
	return rec.Key()
}

func TestPostgres_MergeTransitions(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	key := seedPostgres(t, store, "rec-1")

	rec, err := store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, rec.ProcessingStatus)
	assert.NotNil(t, rec.ProcessingStartedAt)

	render := "https://cdn/renders/a.glb"
	_, err = store.Merge(ctx, key, domain.RecordPatch{RenderURL: &render})
	require.NoError(t, err)

	thumb := "https://cdn/thumbnails/a.webp"
	rec, err = store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusCompleted, ThumbnailURL: &thumb})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.ProcessingStatus)
	assert.Equal(t, render, rec.RenderURL, "absent fields keep their value")
	assert.Equal(t, thumb, rec.ThumbnailURL)
	assert.Equal(t, "a.png", rec.Source.Filename)

	_, err = store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusFailed})
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)

	_, err = store.Merge(ctx, domain.RecordKey{RecordID: "missing"}, domain.RecordPatch{Status: domain.StatusProcessing})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestPostgres_MergeRejectedAfterCancel(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	key := seedPostgres(t, store, "rec-1")

	_, err := store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusProcessing})
	require.NoError(t, err)
	_, err = store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusCancelled})
	require.NoError(t, err)

	thumb := "https://cdn/thumbnails/a.webp"
	_, err = store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusCompleted, ThumbnailURL: &thumb})
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)
	_, err = store.Merge(ctx, key, domain.RecordPatch{ThumbnailURL: &thumb})
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)

	_, err = store.Upsert(ctx, &domain.Record{RecordID: key.RecordID, JobType: domain.JobTypeImage})
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, rec.ProcessingStatus)
	assert.Empty(t, rec.ThumbnailURL)
}

func TestPostgres_UpsertClearsStaleArtifacts(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	key := seedPostgres(t, store, "rec-1")

	thumb := "https://cdn/thumbnails/a.webp"
	errMsg := "old failure"
	_, err := store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusCompleted, ThumbnailURL: &thumb, Error: &errMsg})
	require.NoError(t, err)

	rec, err := store.Upsert(ctx, &domain.Record{RecordID: key.RecordID, JobType: domain.JobTypeImage, ContainerID: "room-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.ProcessingStatus)
	assert.Equal(t, "room-2", rec.ContainerID)
	assert.Empty(t, rec.ThumbnailURL)
	assert.Empty(t, rec.RenderURL)
	assert.Empty(t, rec.Error)
}

func TestPostgres_ResetAndListByStatus(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	key := seedPostgres(t, store, "rec-1")
	seedPostgres(t, store, "rec-2")

	_, err := store.Merge(ctx, key, domain.RecordPatch{Status: domain.StatusProcessing})
	require.NoError(t, err)

	stale, err := store.ListByStatus(ctx, domain.StatusProcessing, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = store.ListByStatus(ctx, domain.StatusProcessing, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, key, stale[0].Key())

	queued, err := store.ListByStatus(ctx, domain.StatusQueued, 0, 1)
	require.NoError(t, err)
	assert.Len(t, queued, 1, "limit applies")

	_, err = store.ResetToQueued(ctx, key, domain.StatusFailed, false)
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)
	_, err = store.ResetToQueued(ctx, domain.RecordKey{RecordID: "missing"}, domain.StatusProcessing, false)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	rec, err := store.ResetToQueued(ctx, key, domain.StatusProcessing, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.ProcessingStatus)
	assert.Equal(t, 1, rec.RecoveryCount)
	assert.Nil(t, rec.ProcessingStartedAt)
}
