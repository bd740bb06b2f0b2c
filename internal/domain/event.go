package domain

// Event kinds emitted to the transport collaborator
const (
	EventProgress = "progress"
	EventResult   = "result"
)

// Event is the notification published per record, keyed by container id
type Event struct {
	Type             string           `json:"type"`
	RecordID         string           `json:"recordId"`
	ContainerID      string           `json:"containerId"`
	FileIndex        int              `json:"fileIndex"`
	ProgressPercent  *int             `json:"progressPercent,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processingStatus,omitempty"`
	ThumbnailURL     string           `json:"thumbnailUrl,omitempty"`
	RenderURL        string           `json:"renderUrl,omitempty"`
	Error            string           `json:"error,omitempty"`
}
