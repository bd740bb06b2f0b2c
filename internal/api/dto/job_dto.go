package dto

import (
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

type SourceDTO struct {
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
	Buffer []byte `json:"buffer,omitempty"`
}

type CreateJobRequest struct {
	RecordID    string    `json:"recordId" binding:"required"`
	ContainerID string    `json:"containerId" binding:"required"`
	FileType    string    `json:"fileType" binding:"required,oneof=image video audio document mesh"`
	Source      SourceDTO `json:"source"`
	Filename    string    `json:"filename" binding:"required"`
	MimeType    string    `json:"mimeType"`
	FileIndex   int       `json:"fileIndex" binding:"gte=0"`
	Priority    int       `json:"priority"`
	MaxAttempts int       `json:"maxAttempts" binding:"gte=0,lte=20"`
}

// Spec converts the request into a queue job spec
func (r *CreateJobRequest) Spec() domain.JobSpec {
	return domain.JobSpec{
		Type: domain.JobType(r.FileType),
		Payload: domain.Payload{
			RecordID:    r.RecordID,
			ContainerID: r.ContainerID,
			Source: domain.SourceLocator{
				Path:   r.Source.Path,
				URL:    r.Source.URL,
				Buffer: r.Source.Buffer,
			},
			Filename:  r.Filename,
			MimeType:  r.MimeType,
			FileIndex: r.FileIndex,
		},
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
	}
}

type CreateJobResponse struct {
	JobID        string    `json:"job_id,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	Record       RecordDTO `json:"record"`
}

type ListJobsRequest struct {
	State    string `form:"state" binding:"omitempty,oneof=waiting active completed failed delayed"`
	JobType  string `form:"job_type" binding:"omitempty,oneof=image video audio document mesh"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string         `json:"job_id"`
	JobType     string         `json:"job_type"`
	State       string         `json:"state"`
	RecordID    string         `json:"record_id"`
	FileIndex   int            `json:"file_index"`
	ContainerID string         `json:"container_id"`
	Filename    string         `json:"filename"`
	Source      string         `json:"source"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	WorkerID    string         `json:"worker_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Result      *domain.Result `json:"result,omitempty"`
	RunAt       string         `json:"run_at"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	FinishedAt  string         `json:"finished_at,omitempty"`
}

// NewJobDTO renders a job; buffer sources are reported by kind only
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:       job.ID,
		JobType:     string(job.Type),
		State:       string(job.State),
		RecordID:    job.Payload.RecordID,
		FileIndex:   job.Payload.FileIndex,
		ContainerID: job.Payload.ContainerID,
		Filename:    job.Payload.Filename,
		Source:      job.Payload.Source.Kind(),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		WorkerID:    job.WorkerID,
		LastError:   job.LastError,
		Result:      job.Result,
		RunAt:       job.RunAt.Format(time.RFC3339),
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.FinishedAt != nil {
		out.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return out
}

type RecordDTO struct {
	RecordID         string `json:"recordId"`
	FileIndex        int    `json:"fileIndex"`
	ContainerID      string `json:"containerId"`
	FileType         string `json:"fileType"`
	ProcessingStatus string `json:"processingStatus"`
	ThumbnailURL     string `json:"thumbnailUrl,omitempty"`
	RenderURL        string `json:"renderUrl,omitempty"`
	Error            string `json:"error,omitempty"`
	RecoveryCount    int    `json:"recoveryCount"`
	UpdatedAt        string `json:"updatedAt"`
}

func NewRecordDTO(rec *domain.Record) RecordDTO {
	return RecordDTO{
		RecordID:         rec.RecordID,
		FileIndex:        rec.FileIndex,
		ContainerID:      rec.ContainerID,
		FileType:         string(rec.JobType),
		ProcessingStatus: string(rec.ProcessingStatus),
		ThumbnailURL:     rec.ThumbnailURL,
		RenderURL:        rec.RenderURL,
		Error:            rec.Error,
		RecoveryCount:    rec.RecoveryCount,
		UpdatedAt:        rec.UpdatedAt.Format(time.RFC3339),
	}
}

type RetryResponse struct {
	JobID  string    `json:"job_id"`
	Record RecordDTO `json:"record"`
}

type UploadResponse struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}
