package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/postgresql"
)

const jobColumns = `
	id, job_type, payload, state, priority, attempts, max_attempts,
	backoff_base_ms, backoff_max_ms, run_at, lease_token, lease_expires_at,
	worker_id, last_error, result, created_at, updated_at, finished_at`

type jobRow struct {
	ID             string         `db:"id"`
	JobType        string         `db:"job_type"`
	Payload        []byte         `db:"payload"`
	State          string         `db:"state"`
	Priority       int            `db:"priority"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	BackoffBaseMs  int64          `db:"backoff_base_ms"`
	BackoffMaxMs   int64          `db:"backoff_max_ms"`
	RunAt          time.Time      `db:"run_at"`
	LeaseToken     sql.NullString `db:"lease_token"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	WorkerID       sql.NullString `db:"worker_id"`
	LastError      sql.NullString `db:"last_error"`
	Result         []byte         `db:"result"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:          r.ID,
		Type:        domain.JobType(r.JobType),
		State:       domain.JobState(r.State),
		Priority:    r.Priority,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Backoff: domain.BackoffPolicy{
			Base: time.Duration(r.BackoffBaseMs) * time.Millisecond,
			Max:  time.Duration(r.BackoffMaxMs) * time.Millisecond,
		},
		RunAt:     r.RunAt,
		WorkerID:  r.WorkerID.String,
		LastError: r.LastError.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if err := json.Unmarshal(r.Payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", r.ID, err)
	}
	if r.LeaseExpiresAt.Valid {
		t := r.LeaseExpiresAt.Time
		job.LeaseExpiresAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	if len(r.Result) > 0 {
		var res domain.Result
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.ID, err)
		}
		job.Result = &res
	}
	return job, nil
}

// Postgres is the durable Queue backed by the media_jobs table
type Postgres struct {
	db     *sqlx.DB
	opts   Options
	logger *slog.Logger
}

var _ Queue = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed queue
func NewPostgres(db *sqlx.DB, opts Options, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Signal exposes the wake-up broadcast so a transport consumer can feed it
func (p *Postgres) Signal() *Signal {
	return p.opts.Signal
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrQueueUnavailable, op, err)
}

func (p *Postgres) Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	spec, err := normalizeSpec(spec, p.opts)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	key := spec.Payload.Key()
	var row jobRow

	// the advisory lock serializes enqueues of one record key across
	// processes until the transaction ends
	err = postgresql.InTx(ctx, p.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), $2::int)`, key.RecordID, key.FileIndex); err != nil {
			return unavailable("enqueue", err)
		}

		var pending bool
		if err := tx.GetContext(ctx, &pending, pendingQuery, key.RecordID, key.FileIndex,
			domain.JobStateWaiting, domain.JobStateDelayed, domain.JobStateActive,
		); err != nil {
			return unavailable("enqueue", err)
		}
		if pending {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyPending, key)
		}

		insert := `
			INSERT INTO media_jobs (
				id, job_type, payload, record_id, file_index, state, priority,
				max_attempts, backoff_base_ms, backoff_max_ms, run_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, NOW(), NOW(), NOW()
			)
			RETURNING ` + jobColumns

		if err := tx.GetContext(ctx, &row, insert,
			uuid.NewString(),
			spec.Type,
			string(payload),
			key.RecordID,
			key.FileIndex,
			domain.JobStateWaiting,
			spec.Priority,
			spec.MaxAttempts,
			spec.Backoff.Base.Milliseconds(),
			spec.Backoff.Max.Milliseconds(),
		); err != nil {
			return unavailable("enqueue", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyPending) {
			return nil, err
		}
		p.logger.Error("Failed to enqueue job",
			slog.String("record", key.String()),
			slog.Any("error", err),
		)
		if !errors.Is(err, domain.ErrQueueUnavailable) {
			err = unavailable("enqueue", err)
		}
		return nil, err
	}

	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("record", job.Payload.Key().String()),
	)

	announce(ctx, p.opts, p.logger, job.ID)

	return job, nil
}

func (p *Postgres) Claim(ctx context.Context, workerID string) (*domain.Job, *Lease, error) {
	return claimBlocking(ctx, p.opts.Signal, p.opts.PollInterval, func() (*domain.Job, *Lease, error) {
		return p.TryClaim(ctx, workerID)
	})
}

// TryClaim promotes due delayed jobs and leases the highest-priority waiting
// job. SKIP LOCKED keeps concurrent workers from contending on one row.
func (p *Postgres) TryClaim(ctx context.Context, workerID string) (*domain.Job, *Lease, error) {
	token := uuid.NewString()
	var row jobRow

	err := postgresql.InTx(ctx, p.db, func(tx *sqlx.Tx) error {
		promote := `
			UPDATE media_jobs
			SET state = $1, updated_at = NOW()
			WHERE state = $2 AND run_at <= NOW()
		`
		if _, err := tx.ExecContext(ctx, promote, domain.JobStateWaiting, domain.JobStateDelayed); err != nil {
			return err
		}

		claim := `
			UPDATE media_jobs
			SET state = $1,
			    attempts = attempts + 1,
			    worker_id = $2,
			    lease_token = $3,
			    lease_expires_at = NOW() + ($4::bigint * INTERVAL '1 millisecond'),
			    heartbeat_at = NOW(),
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM media_jobs
				WHERE state = $5
				ORDER BY priority DESC, seq ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + jobColumns

		return tx.GetContext(ctx, &row, claim,
			domain.JobStateActive,
			workerID,
			token,
			p.opts.LeaseDuration.Milliseconds(),
			domain.JobStateWaiting,
		)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrJobNotFound
		}
		return nil, nil, unavailable("claim", err)
	}

	job, err := row.toDomain()
	if err != nil {
		return nil, nil, err
	}

	p.logger.Info("Job claimed successfully",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", string(job.Type)),
		slog.Int("attempt", job.Attempts),
	)

	return job, &Lease{JobID: job.ID, Token: token, ExpiresAt: row.LeaseExpiresAt.Time}, nil
}

func (p *Postgres) Touch(ctx context.Context, lease *Lease) error {
	query := `
		UPDATE media_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = $3
	`
	return p.execLeased(ctx, "touch", query, lease.JobID, lease.Token, domain.JobStateActive)
}

func (p *Postgres) Complete(ctx context.Context, lease *Lease, result *domain.Result) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		UPDATE media_jobs
		SET state = $4,
		    result = $5,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = $3
	`
	return p.execLeased(ctx, "complete", query, lease.JobID, lease.Token, domain.JobStateActive, domain.JobStateCompleted, resultJSON)
}

func (p *Postgres) execLeased(ctx context.Context, op, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) Fail(ctx context.Context, lease *Lease, cause error, retryable bool) (FailOutcome, error) {
	var out FailOutcome
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	err := postgresql.InTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var row jobRow
		lock := `SELECT ` + jobColumns + ` FROM media_jobs WHERE id = $1 AND lease_token = $2 AND state = $3 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, lock, lease.JobID, lease.Token, domain.JobStateActive); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrLeaseLost
			}
			return unavailable("fail", err)
		}

		job, err := row.toDomain()
		if err != nil {
			return err
		}

		out.Attempts = job.Attempts
		if retryable && job.CanRetry() {
			delay := job.Backoff.Delay(job.Attempts)
			out.State = domain.JobStateDelayed
			if delay <= 0 {
				out.State = domain.JobStateWaiting
			}

			update := `
				UPDATE media_jobs
				SET state = $2,
				    last_error = $3,
				    run_at = NOW() + ($4::bigint * INTERVAL '1 millisecond'),
				    lease_token = NULL,
				    lease_expires_at = NULL,
				    updated_at = NOW()
				WHERE id = $1
				RETURNING run_at
			`
			if err := tx.GetContext(ctx, &out.RunAt, update, job.ID, out.State, message, delay.Milliseconds()); err != nil {
				return unavailable("fail", err)
			}
			return nil
		}

		out.State = domain.JobStateFailed
		update := `
			UPDATE media_jobs
			SET state = $2,
			    last_error = $3,
			    lease_token = NULL,
			    lease_expires_at = NULL,
			    finished_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, update, job.ID, out.State, message); err != nil {
			return unavailable("fail", err)
		}
		return nil
	})
	if err != nil {
		return FailOutcome{}, err
	}

	if out.State == domain.JobStateWaiting {
		p.opts.Signal.Notify()
	}

	return out, nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrJobNotFound
	}

	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM media_jobs WHERE id = $1`
	if err := p.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, unavailable("get", err)
	}
	return row.toDomain()
}

func (p *Postgres) List(ctx context.Context, filter ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM media_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *Postgres) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		State string `db:"state"`
		Count int64  `db:"count"`
	}
	query := `SELECT state, COUNT(*) AS count FROM media_jobs GROUP BY state`
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, unavailable("stats", err)
	}

	var s Stats
	for _, r := range rows {
		switch domain.JobState(r.State) {
		case domain.JobStateWaiting:
			s.Waiting = r.Count
		case domain.JobStateActive:
			s.Active = r.Count
		case domain.JobStateCompleted:
			s.Completed = r.Count
		case domain.JobStateFailed:
			s.Failed = r.Count
		case domain.JobStateDelayed:
			s.Delayed = r.Count
		}
	}
	return &s, nil
}

// pendingQuery matches waiting, delayed and live active jobs of one key
const pendingQuery = `
	SELECT EXISTS (
		SELECT 1 FROM media_jobs
		WHERE record_id = $1 AND file_index = $2
		  AND (state IN ($3, $4) OR (state = $5 AND lease_expires_at > NOW()))
	)
`

func (p *Postgres) HasPending(ctx context.Context, key domain.RecordKey) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, pendingQuery,
		key.RecordID, key.FileIndex,
		domain.JobStateWaiting, domain.JobStateDelayed, domain.JobStateActive,
	)
	if err != nil {
		return false, unavailable("has pending", err)
	}
	return exists, nil
}

func (p *Postgres) ExpireLeases(ctx context.Context) (int, error) {
	query := `
		UPDATE media_jobs
		SET state = $1,
		    last_error = $2,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE state = $3 AND lease_expires_at <= NOW()
		RETURNING id, worker_id
	`
	var expired []struct {
		ID       string         `db:"id"`
		WorkerID sql.NullString `db:"worker_id"`
	}
	if err := p.db.SelectContext(ctx, &expired, query, domain.JobStateFailed, leaseExpiredMessage, domain.JobStateActive); err != nil {
		return 0, unavailable("expire leases", err)
	}

	for _, e := range expired {
		p.logger.Warn("Job lease expired",
			slog.String("job_id", e.ID),
			slog.String("worker_id", e.WorkerID.String),
		)
	}
	return len(expired), nil
}

func (p *Postgres) Prune(ctx context.Context, policy RetentionPolicy) (int, error) {
	total := 0

	run := func(query string, args ...any) error {
		res, err := p.db.ExecContext(ctx, query, args...)
		if err != nil {
			return unavailable("prune", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		return nil
	}

	if policy.CompletedTTL > 0 {
		err := run(`
			DELETE FROM media_jobs
			WHERE state = $1 AND finished_at < NOW() - ($2::bigint * INTERVAL '1 millisecond')
		`, domain.JobStateCompleted, policy.CompletedTTL.Milliseconds())
		if err != nil {
			return total, err
		}
	}

	if policy.CompletedKeep > 0 {
		err := run(`
			DELETE FROM media_jobs
			WHERE id IN (
				SELECT id FROM media_jobs
				WHERE state = $1
				ORDER BY finished_at DESC, seq DESC
				OFFSET $2
			)
		`, domain.JobStateCompleted, policy.CompletedKeep)
		if err != nil {
			return total, err
		}
	}

	if policy.FailedTTL > 0 {
		err := run(`
			DELETE FROM media_jobs
			WHERE state = $1 AND finished_at < NOW() - ($2::bigint * INTERVAL '1 millisecond')
		`, domain.JobStateFailed, policy.FailedTTL.Milliseconds())
		if err != nil {
			return total, err
		}
	}

	return total, nil
}
