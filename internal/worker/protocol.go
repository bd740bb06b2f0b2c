package worker

import (
	"errors"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Message types of the line-delimited JSON stream between the worker and
// its conversion child. The worker sends task and checkpoint replies on the
// child's stdin; the child answers with progress, checkpoint requests and
// exactly one result or error on stdout.
const (
	msgTask            = "task"
	msgProgress        = "progress"
	msgCheckpoint      = "checkpoint"
	msgCheckpointReply = "checkpoint_reply"
	msgResult          = "result"
	msgError           = "error"
)

type message struct {
	Type      string          `json:"type"`
	Task      *convert.Task   `json:"task,omitempty"`
	Percent   int             `json:"percent,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Output    *convert.Output `json:"output,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

const (
	errKindCancelled   = "cancelled"
	errKindUnsupported = "unsupported"
	errKindConversion  = "conversion_failed"
	errKindSource      = "source_unavailable"
	errKindNoConverter = "no_converter"
	errKindRetryable   = "retryable"
	errKindOther       = "other"
)

// wireError carries enough of a domain error to rebuild it on the other side
type wireError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Locator string `json:"locator,omitempty"`
	Message string `json:"message"`
}

// remoteError keeps the child's message while matching the original sentinel
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func encodeError(err error) *wireError {
	var convErr *domain.ConversionFailedError
	var srcErr *domain.SourceUnavailableError

	switch {
	case errors.As(err, &convErr):
		return &wireError{Kind: errKindConversion, Stage: convErr.Stage, Message: convErr.Err.Error()}
	case errors.As(err, &srcErr):
		return &wireError{Kind: errKindSource, Locator: srcErr.Locator, Message: srcErr.Err.Error()}
	case errors.Is(err, domain.ErrCancelled):
		return &wireError{Kind: errKindCancelled, Message: err.Error()}
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return &wireError{Kind: errKindUnsupported, Message: err.Error()}
	case errors.Is(err, domain.ErrNoConverter):
		return &wireError{Kind: errKindNoConverter, Message: err.Error()}
	case domain.IsRetryable(err):
		return &wireError{Kind: errKindRetryable, Message: err.Error()}
	}
	return &wireError{Kind: errKindOther, Message: err.Error()}
}

func (w *wireError) decode() error {
	switch w.Kind {
	case errKindConversion:
		return domain.NewConversionFailed(w.Stage, errors.New(w.Message))
	case errKindSource:
		return &domain.SourceUnavailableError{Locator: w.Locator, Err: errors.New(w.Message)}
	case errKindCancelled:
		return &remoteError{msg: w.Message, kind: domain.ErrCancelled}
	case errKindUnsupported:
		return &remoteError{msg: w.Message, kind: domain.ErrUnsupportedFormat}
	case errKindNoConverter:
		return &remoteError{msg: w.Message, kind: domain.ErrNoConverter}
	case errKindRetryable:
		return domain.NewRetryableError(errors.New(w.Message))
	}
	return errors.New(w.Message)
}
