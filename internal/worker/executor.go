package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

const stageSubprocess = "subprocess"

// Executor runs one conversion. Implementations differ only in where the
// converter code executes.
type Executor interface {
	Execute(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error)
}

// InProcessExecutor runs converters on the calling goroutine
type InProcessExecutor struct {
	registry *convert.Registry
}

// NewInProcessExecutor creates an InProcessExecutor
func NewInProcessExecutor(registry *convert.Registry) *InProcessExecutor {
	return &InProcessExecutor{registry: registry}
}

func (e *InProcessExecutor) Execute(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error) {
	return runConverter(ctx, e.registry, task, env)
}

// SubprocessConfig describes how to start the conversion child
type SubprocessConfig struct {
	Path string
	Args []string
	// Env is appended to the worker's environment
	Env []string
}

// SubprocessExecutor runs each conversion in a fresh child process so a
// crash or leak in a decoder only costs that attempt. The child is killed
// when ctx ends.
type SubprocessExecutor struct {
	config SubprocessConfig
	logger *slog.Logger
}

// NewSubprocessExecutor creates a SubprocessExecutor
func NewSubprocessExecutor(config SubprocessConfig, logger *slog.Logger) *SubprocessExecutor {
	return &SubprocessExecutor{config: config, logger: logger}
}

func (e *SubprocessExecutor) Execute(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error) {
	cmd := exec.CommandContext(ctx, e.config.Path, e.config.Args...)
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.NewConversionFailed(stageSubprocess, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewConversionFailed(stageSubprocess, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("failed to start child: %w", err))
	}

	e.logger.Debug("Conversion child started",
		slog.String("job_id", task.JobID),
		slog.Int("pid", cmd.Process.Pid),
	)

	out, serveErr := serveChild(ctx, stdin, stdout, task, env)
	stdin.Close()
	// drain so Wait does not race the pipe reader
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("conversion child stopped: %w", ctxErr)
	}
	if serveErr != nil {
		if waitErr != nil {
			e.logger.Warn("Conversion child exited abnormally",
				slog.String("job_id", task.JobID),
				slog.Any("error", waitErr),
			)
		}
		return nil, serveErr
	}
	if waitErr != nil {
		return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("child exited: %w", waitErr))
	}
	return out, nil
}

// serveChild drives the parent side of the protocol until the child
// reports an outcome
func serveChild(ctx context.Context, w io.Writer, r io.Reader, task convert.Task, env convert.Env) (*convert.Output, error) {
	enc := json.NewEncoder(w)
	dec := json.NewDecoder(r)

	if err := enc.Encode(message{Type: msgTask, Task: &task}); err != nil {
		return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("failed to send task: %w", err))
	}

	for {
		var msg message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("child ended without result: %w", err))
		}

		switch msg.Type {
		case msgProgress:
			env.ReportProgress(msg.Percent)

		case msgCheckpoint:
			reply := message{Type: msgCheckpointReply}
			if err := env.Checkpoint(ctx, msg.Stage); err != nil {
				reply.Cancelled = true
			}
			if err := enc.Encode(reply); err != nil {
				return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("failed to answer checkpoint: %w", err))
			}

		case msgResult:
			if msg.Output == nil {
				return &convert.Output{}, nil
			}
			return msg.Output, nil

		case msgError:
			if msg.Error == nil {
				return nil, domain.NewConversionFailed(stageSubprocess, errors.New("child reported an empty error"))
			}
			return nil, msg.Error.decode()

		default:
			return nil, domain.NewConversionFailed(stageSubprocess, fmt.Errorf("unexpected message %q", msg.Type))
		}
	}
}
