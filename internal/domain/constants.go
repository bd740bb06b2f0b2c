package domain

// JobType selects the converter a job is dispatched to
type JobType string

const (
	JobTypeImage    JobType = "image"
	JobTypeVideo    JobType = "video"
	JobTypeAudio    JobType = "audio"
	JobTypeDocument JobType = "document"
	JobTypeMesh     JobType = "mesh"
)

// Valid reports whether t is one of the known job types
func (t JobType) Valid() bool {
	switch t {
	case JobTypeImage, JobTypeVideo, JobTypeAudio, JobTypeDocument, JobTypeMesh:
		return true
	}
	return false
}

// JobState is the queue-level state of a job
type JobState string

// Job state constants
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// AllJobStates lists every queue state, used for stats
var AllJobStates = []JobState{
	JobStateWaiting,
	JobStateActive,
	JobStateCompleted,
	JobStateFailed,
	JobStateDelayed,
}

// ProcessingStatus is the record-level processing state owned by this pipeline
type ProcessingStatus string

// Processing status constants
const (
	StatusQueued     ProcessingStatus = "queued"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusCancelled  ProcessingStatus = "cancelled"
)

// Artifact categories used by the storage URL convention
const (
	CategoryOriginal   = "original"
	CategoryThumbnails = "thumbnails"
	CategoryRenders    = "renders"
)
