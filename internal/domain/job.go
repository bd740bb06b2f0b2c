package domain

import (
	"fmt"
	"time"
)

// SourceLocator points at the uploaded bytes. Exactly one field is populated.
type SourceLocator struct {
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty" validate:"omitempty,url"`
	Buffer []byte `json:"buffer,omitempty"`
}

// Validate enforces the exactly-one rule
func (s SourceLocator) Validate() error {
	n := 0
	if s.Path != "" {
		n++
	}
	if s.URL != "" {
		n++
	}
	if len(s.Buffer) > 0 {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: source must set exactly one of path, url or buffer (got %d)", ErrInvalidPayload, n)
	}
	return nil
}

// Kind names the populated locator field
func (s SourceLocator) Kind() string {
	switch {
	case s.Path != "":
		return "path"
	case s.URL != "":
		return "url"
	case len(s.Buffer) > 0:
		return "buffer"
	}
	return "none"
}

// Payload is the immutable body of a job
type Payload struct {
	RecordID    string        `json:"recordId" validate:"required"`
	ContainerID string        `json:"containerId" validate:"required"`
	Source      SourceLocator `json:"source"`
	Filename    string        `json:"filename" validate:"required"`
	MimeType    string        `json:"mimeType"`
	FileIndex   int           `json:"fileIndex" validate:"gte=0"`
}

// Key returns the record key the payload belongs to
func (p Payload) Key() RecordKey {
	return RecordKey{RecordID: p.RecordID, FileIndex: p.FileIndex}
}

// BackoffPolicy describes exponential retry delays
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns the wait before the next attempt, given the attempt that just failed (1-based)
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// JobSpec is what callers hand to the queue
type JobSpec struct {
	Type        JobType
	Payload     Payload
	MaxAttempts int
	Backoff     BackoffPolicy
	Priority    int
}

// Job represents a queued unit of conversion work
type Job struct {
	ID             string
	Type           JobType
	Payload        Payload
	State          JobState
	Priority       int
	Attempts       int
	MaxAttempts    int
	Backoff        BackoffPolicy
	RunAt          time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string
	LastError      string
	Result         *Result
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// CanRetry reports whether another attempt fits in the retry budget
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
