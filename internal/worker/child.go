package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

const stagePanic = "panic"

// runConverter looks up and runs the converter for task, turning a panic
// into a ConversionFailed error so one bad file cannot take the caller down
func runConverter(ctx context.Context, registry *convert.Registry, task convert.Task, env convert.Env) (out *convert.Output, err error) {
	conv, err := registry.Lookup(task.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewConversionFailed(stagePanic, fmt.Errorf("%v\n%s", r, debug.Stack()))
		}
	}()

	return conv.Convert(ctx, task, env)
}

// RunChild serves a single conversion over the line protocol. It is the
// body of the worker's "convert" subcommand: the task arrives on in, and
// progress, checkpoint requests and the outcome are written to out.
func RunChild(ctx context.Context, in io.Reader, out io.Writer, registry *convert.Registry, logger *slog.Logger) error {
	dec := json.NewDecoder(in)
	env := &childEnv{enc: json.NewEncoder(out), dec: dec, logger: logger}

	var first message
	if err := dec.Decode(&first); err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}
	if first.Type != msgTask || first.Task == nil {
		return fmt.Errorf("expected %q message, got %q", msgTask, first.Type)
	}
	task := *first.Task

	logger.Debug("Conversion started",
		slog.String("job_id", task.JobID),
		slog.String("job_type", string(task.Type)),
	)

	output, err := runConverter(ctx, registry, task, env)
	if err != nil {
		logger.Debug("Conversion ended with error",
			slog.String("job_id", task.JobID),
			slog.Any("error", err),
		)
		return env.send(message{Type: msgError, Error: encodeError(err)})
	}
	if output == nil {
		output = &convert.Output{}
	}
	return env.send(message{Type: msgResult, Output: output})
}

// childEnv forwards the converter's port calls to the parent worker
type childEnv struct {
	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	logger *slog.Logger
}

func (e *childEnv) send(msg message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msg)
}

func (e *childEnv) ReportProgress(percent int) {
	if err := e.send(message{Type: msgProgress, Percent: percent}); err != nil {
		e.logger.Debug("Failed to send progress", slog.Any("error", err))
	}
}

func (e *childEnv) Checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(message{Type: msgCheckpoint, Stage: stage}); err != nil {
		return fmt.Errorf("failed to send checkpoint: %w", err)
	}

	var reply message
	if err := e.dec.Decode(&reply); err != nil {
		return fmt.Errorf("failed to read checkpoint reply: %w", err)
	}
	if reply.Type != msgCheckpointReply {
		return fmt.Errorf("expected %q message, got %q", msgCheckpointReply, reply.Type)
	}
	if reply.Cancelled {
		return domain.ErrCancelled
	}
	return nil
}
