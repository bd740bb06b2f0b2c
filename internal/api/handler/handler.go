package handler

import (
	"context"
	"log/slog"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/blobstore"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/intake"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
)

// HealthCheck reports whether one backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  queue.Queue
	Intake *intake.Service
	Blobs  *blobstore.Store
	// MaxUploadBytes caps POST /api/v1/uploads; 0 means 64 MiB
	MaxUploadBytes int64
	HealthChecks   map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  queue.Queue
	intake *intake.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		intake: deps.Intake,
	}
}

// RecordHandler handles record processing state requests
type RecordHandler struct {
	logger *slog.Logger
	intake *intake.Service
}

// NewRecordHandler creates a new RecordHandler instance
func NewRecordHandler(deps *Dependencies) *RecordHandler {
	return &RecordHandler{
		logger: deps.Logger,
		intake: deps.Intake,
	}
}

// UploadHandler stores original uploads
type UploadHandler struct {
	logger   *slog.Logger
	blobs    *blobstore.Store
	maxBytes int64
}

// NewUploadHandler creates a new UploadHandler instance
func NewUploadHandler(deps *Dependencies) *UploadHandler {
	maxBytes := deps.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &UploadHandler{
		logger:   deps.Logger,
		blobs:    deps.Blobs,
		maxBytes: maxBytes,
	}
}
