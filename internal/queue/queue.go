package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Lease is the exclusive right to work on a claimed job until ExpiresAt.
// Complete, Fail and Touch must present the token they were given.
type Lease struct {
	JobID     string
	Token     string
	ExpiresAt time.Time
}

// FailOutcome reports what Fail did with the job
type FailOutcome struct {
	State    domain.JobState
	Attempts int
	RunAt    time.Time
}

// Exhausted is true when the job will not be retried
func (o FailOutcome) Exhausted() bool {
	return o.State == domain.JobStateFailed
}

// Stats holds job counts by state
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// JobCursor marks the last job of a page, ordered by (created_at, id) desc
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter narrows List. List returns up to PageSize+1 jobs so callers can
// tell whether another page exists.
type ListFilter struct {
	State    domain.JobState
	Type     domain.JobType
	PageSize int
	Cursor   *JobCursor
}

// RetentionPolicy controls how long finished jobs are kept
type RetentionPolicy struct {
	CompletedTTL  time.Duration
	CompletedKeep int
	FailedTTL     time.Duration
}

// Queue is a durable, leased job queue
type Queue interface {
	// Enqueue validates and persists a job in the waiting state. The pending
	// check and the insert are atomic, so a record key never has two pending
	// jobs; a second Enqueue fails with ErrAlreadyPending.
	Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	// Claim blocks until a job can be leased to workerID or ctx is done
	Claim(ctx context.Context, workerID string) (*domain.Job, *Lease, error)
	// TryClaim is Claim without blocking; it returns ErrJobNotFound when nothing is due
	TryClaim(ctx context.Context, workerID string) (*domain.Job, *Lease, error)
	Touch(ctx context.Context, lease *Lease) error
	Complete(ctx context.Context, lease *Lease, result *domain.Result) error
	Fail(ctx context.Context, lease *Lease, cause error, retryable bool) (FailOutcome, error)

	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.Job, error)
	Stats(ctx context.Context) (*Stats, error)
	HasPending(ctx context.Context, key domain.RecordKey) (bool, error)

	// ExpireLeases fails active jobs whose lease has run out
	ExpireLeases(ctx context.Context) (int, error)
	Prune(ctx context.Context, policy RetentionPolicy) (int, error)
}

// Options configure both queue backends
type Options struct {
	LeaseDuration time.Duration
	PollInterval  time.Duration
	MaxAttempts   int
	Backoff       domain.BackoffPolicy
	Publisher     Publisher
	Signal        *Signal
}

// leaseExpiredMessage is recorded on jobs failed by ExpireLeases
const leaseExpiredMessage = "lease expired"

func (o *Options) withDefaults() Options {
	out := *o
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = 15 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Signal == nil {
		out.Signal = NewSignal()
	}
	return out
}

var validate = validator.New()

// normalizeSpec validates a JobSpec and fills defaults from opts
func normalizeSpec(spec domain.JobSpec, opts Options) (domain.JobSpec, error) {
	if !spec.Type.Valid() {
		return spec, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidPayload, spec.Type)
	}

	if err := validate.Struct(spec.Payload); err != nil {
		return spec, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if err := spec.Payload.Source.Validate(); err != nil {
		return spec, err
	}

	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = opts.MaxAttempts
	}
	if spec.Backoff.Base <= 0 {
		spec.Backoff = opts.Backoff
	}

	return spec, nil
}

// claimBlocking retries try until it yields a job, waking on the signal or the
// poll interval so delayed jobs become claimable without an enqueue.
func claimBlocking(ctx context.Context, sig *Signal, poll time.Duration, try func() (*domain.Job, *Lease, error)) (*domain.Job, *Lease, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// grab the wake channel before trying so an enqueue between the
		// attempt and the select is not missed
		wake := sig.C()

		job, lease, err := try()
		if err == nil {
			return job, lease, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
