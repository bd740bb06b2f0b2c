package convert

import (
	"context"
	"fmt"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Artifact kinds. The worker stores thumbnails via SaveThumbnail and renders
// via SaveRender.
const (
	ArtifactThumbnail = "thumbnail"
	ArtifactRender    = "render"
)

// Task is everything a converter needs. It is JSON-encoded when the
// conversion runs in a child process.
type Task struct {
	JobID      string         `json:"jobId"`
	Type       domain.JobType `json:"type"`
	RecordID   string         `json:"recordId"`
	FileIndex  int            `json:"fileIndex"`
	Filename   string         `json:"filename"`
	MimeType   string         `json:"mimeType"`
	SourcePath string         `json:"sourcePath"`
	SourceExt  string         `json:"sourceExt"`
	SourceSize int64          `json:"sourceSize"`
	WorkDir    string         `json:"workDir"`
}

// Output describes the artifact a converter produced inside the work
// directory. An empty Path means the job succeeds with no artifact.
type Output struct {
	Path        string `json:"path,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// HasArtifact reports whether o names a file to store
func (o *Output) HasArtifact() bool {
	return o != nil && o.Path != ""
}

// Env is the converter's port back to the worker
type Env interface {
	// ReportProgress never blocks; updates may be dropped or coalesced
	ReportProgress(percent int)
	// Checkpoint returns domain.ErrCancelled when the job should stop before stage
	Checkpoint(ctx context.Context, stage string) error
}

// Converter turns a fetched source into an artifact
type Converter interface {
	Convert(ctx context.Context, task Task, env Env) (*Output, error)
}

// Registry maps job types to converters
type Registry struct {
	converters map[domain.JobType]Converter
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{converters: make(map[domain.JobType]Converter)}
}

// Register binds c to t, replacing any earlier binding
func (r *Registry) Register(t domain.JobType, c Converter) {
	r.converters[t] = c
}

// Lookup returns the converter for t
func (r *Registry) Lookup(t domain.JobType) (Converter, error) {
	c, ok := r.converters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoConverter, t)
	}
	return c, nil
}

// Noop completes without producing an artifact
type Noop struct{}

func (Noop) Convert(ctx context.Context, _ Task, env Env) (*Output, error) {
	if err := env.Checkpoint(ctx, "noop"); err != nil {
		return nil, err
	}
	env.ReportProgress(100)
	return &Output{}, nil
}

// ArtifactName builds the deterministic stored name
// <recordId>_<fileIndex>_<base><ext> so re-runs overwrite the same object
func ArtifactName(task Task, ext string) string {
	base := task.Filename
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			base = base[:i]
			break
		}
		if base[i] == '/' || base[i] == '\\' {
			break
		}
	}
	if base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s_%d_%s%s", task.RecordID, task.FileIndex, base, ext)
}
