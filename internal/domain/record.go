package domain

import (
	"fmt"
	"time"
)

// RecordKey identifies one file of a caller-owned record
type RecordKey struct {
	RecordID  string
	FileIndex int
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s#%d", k.RecordID, k.FileIndex)
}

// Record is the slice of the caller's persisted entity this pipeline reads and writes
type Record struct {
	RecordID            string
	FileIndex           int
	ContainerID         string
	JobType             JobType
	Source              Payload
	ProcessingStatus    ProcessingStatus
	ThumbnailURL        string
	RenderURL           string
	Error               string
	RecoveryCount       int
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Key returns the record key
func (r *Record) Key() RecordKey {
	return RecordKey{RecordID: r.RecordID, FileIndex: r.FileIndex}
}

// Result is the canonical outcome of a job, merged into the record.
// Empty string fields are treated as absent.
type Result struct {
	Status       ProcessingStatus `json:"processingStatus"`
	ThumbnailURL string           `json:"thumbnailUrl,omitempty"`
	RenderURL    string           `json:"renderUrl,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// RecordPatch is a partial update; nil fields are left untouched
type RecordPatch struct {
	Status       ProcessingStatus
	ThumbnailURL *string
	RenderURL    *string
	Error        *string
}

// PatchFromResult keeps only the fields present in r
func PatchFromResult(r Result) RecordPatch {
	patch := RecordPatch{Status: r.Status}
	if r.ThumbnailURL != "" {
		v := r.ThumbnailURL
		patch.ThumbnailURL = &v
	}
	if r.RenderURL != "" {
		v := r.RenderURL
		patch.RenderURL = &v
	}
	switch {
	case r.Error != "":
		v := r.Error
		patch.Error = &v
	case r.Status == StatusCompleted:
		// a success after failed attempts clears the stale cause
		v := ""
		patch.Error = &v
	}
	return patch
}

// AllowedFrom lists the statuses a record may hold for a write of status to to be accepted.
// Resets back to queued are not covered here; they go through explicit reset paths.
func AllowedFrom(to ProcessingStatus) []ProcessingStatus {
	switch to {
	case StatusProcessing:
		return []ProcessingStatus{StatusQueued, StatusProcessing}
	case StatusCompleted:
		return []ProcessingStatus{StatusQueued, StatusProcessing, StatusFailed, StatusCompleted}
	case StatusFailed:
		return []ProcessingStatus{StatusQueued, StatusProcessing, StatusFailed}
	case StatusCancelled:
		return []ProcessingStatus{StatusQueued, StatusProcessing, StatusFailed}
	}
	return nil
}

// CanTransition reports whether a merge from -> to is permitted
func CanTransition(from, to ProcessingStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further pipeline work is expected for s
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
