package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

const recordColumns = `
	record_id, file_index, container_id, job_type, source, processing_status,
	thumbnail_url, render_url, error, recovery_count, processing_started_at,
	created_at, updated_at`

type recordRow struct {
	RecordID            string         `db:"record_id"`
	FileIndex           int            `db:"file_index"`
	ContainerID         string         `db:"container_id"`
	JobType             string         `db:"job_type"`
	Source              []byte         `db:"source"`
	ProcessingStatus    string         `db:"processing_status"`
	ThumbnailURL        sql.NullString `db:"thumbnail_url"`
	RenderURL           sql.NullString `db:"render_url"`
	Error               sql.NullString `db:"error"`
	RecoveryCount       int            `db:"recovery_count"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *recordRow) toDomain() (*domain.Record, error) {
	rec := &domain.Record{
		RecordID:         r.RecordID,
		FileIndex:        r.FileIndex,
		ContainerID:      r.ContainerID,
		JobType:          domain.JobType(r.JobType),
		ProcessingStatus: domain.ProcessingStatus(r.ProcessingStatus),
		ThumbnailURL:     r.ThumbnailURL.String,
		RenderURL:        r.RenderURL.String,
		Error:            r.Error.String,
		RecoveryCount:    r.RecoveryCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Source) > 0 {
		if err := json.Unmarshal(r.Source, &rec.Source); err != nil {
			return nil, fmt.Errorf("failed to decode source of record %s#%d: %w", r.RecordID, r.FileIndex, err)
		}
	}
	if r.ProcessingStartedAt.Valid {
		t := r.ProcessingStartedAt.Time
		rec.ProcessingStartedAt = &t
	}
	return rec, nil
}

func statusStrings(list []domain.ProcessingStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

// Postgres is the Store backed by the media_records table
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed record store
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Get(ctx context.Context, key domain.RecordKey) (*domain.Record, error) {
	var row recordRow
	query := `SELECT ` + recordColumns + ` FROM media_records WHERE record_id = $1 AND file_index = $2`
	if err := p.db.GetContext(ctx, &row, query, key.RecordID, key.FileIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) Upsert(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	source, err := json.Marshal(rec.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record source: %w", err)
	}

	query := `
		INSERT INTO media_records (
			record_id, file_index, container_id, job_type, source,
			processing_status, recovery_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, 0, NOW(), NOW()
		)
		ON CONFLICT (record_id, file_index) DO UPDATE
		SET container_id = EXCLUDED.container_id,
		    job_type = EXCLUDED.job_type,
		    source = EXCLUDED.source,
		    processing_status = EXCLUDED.processing_status,
		    processing_started_at = NULL,
		    thumbnail_url = NULL,
		    render_url = NULL,
		    error = NULL,
		    updated_at = NOW()
		WHERE media_records.processing_status <> $7
		RETURNING ` + recordColumns

	var row recordRow
	err = p.db.GetContext(ctx, &row, query,
		rec.RecordID,
		rec.FileIndex,
		rec.ContainerID,
		rec.JobType,
		string(source),
		domain.StatusQueued,
		domain.StatusCancelled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransitionRejected
		}
		return nil, fmt.Errorf("failed to upsert record: %w", err)
	}
	return row.toDomain()
}

// Merge applies the patch with COALESCE so absent fields keep whatever a
// concurrent writer stored. The status guard runs in the same statement.
func (p *Postgres) Merge(ctx context.Context, key domain.RecordKey, patch domain.RecordPatch) (*domain.Record, error) {
	var status sql.NullString
	if patch.Status != "" {
		status = sql.NullString{String: string(patch.Status), Valid: true}
	}

	query := `
		UPDATE media_records
		SET processing_status = COALESCE($3, processing_status),
		    thumbnail_url = COALESCE($4, thumbnail_url),
		    render_url = COALESCE($5, render_url),
		    error = COALESCE($6, error),
		    processing_started_at = CASE WHEN $3 = $8 THEN NOW() ELSE processing_started_at END,
		    updated_at = NOW()
		WHERE record_id = $1 AND file_index = $2
		  AND processing_status = ANY($7)
		RETURNING ` + recordColumns

	var row recordRow
	err := p.db.GetContext(ctx, &row, query,
		key.RecordID,
		key.FileIndex,
		status,
		nullable(patch.ThumbnailURL),
		nullable(patch.RenderURL),
		nullable(patch.Error),
		pq.Array(statusStrings(allowedFor(patch))),
		string(domain.StatusProcessing),
	)
	if err == nil {
		return row.toDomain()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to merge record: %w", err)
	}

	// distinguish a missing record from a rejected transition
	if _, getErr := p.Get(ctx, key); getErr != nil {
		return nil, getErr
	}
	p.logger.Debug("Record transition rejected",
		slog.String("record", key.String()),
		slog.String("to", string(patch.Status)),
	)
	return nil, domain.ErrTransitionRejected
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (p *Postgres) ResetToQueued(ctx context.Context, key domain.RecordKey, from domain.ProcessingStatus, recovered bool) (*domain.Record, error) {
	increment := 0
	if recovered {
		increment = 1
	}

	query := `
		UPDATE media_records
		SET processing_status = $3,
		    processing_started_at = NULL,
		    error = NULL,
		    recovery_count = recovery_count + $5,
		    updated_at = NOW()
		WHERE record_id = $1 AND file_index = $2 AND processing_status = $4
		RETURNING ` + recordColumns

	var row recordRow
	err := p.db.GetContext(ctx, &row, query, key.RecordID, key.FileIndex, domain.StatusQueued, from, increment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := p.Get(ctx, key); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrTransitionRejected
		}
		return nil, fmt.Errorf("failed to reset record: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) ListByStatus(ctx context.Context, status domain.ProcessingStatus, olderThan time.Duration, limit int) ([]*domain.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM media_records
		WHERE processing_status = $1
		  AND COALESCE(CASE WHEN processing_status = $4 THEN processing_started_at END, updated_at)
		      <= NOW() - ($2::bigint * INTERVAL '1 millisecond')
		ORDER BY updated_at ASC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []recordRow
	if err := p.db.SelectContext(ctx, &rows, query, status, olderThan.Milliseconds(), limit, domain.StatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to list records by status: %w", err)
	}

	out := make([]*domain.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
