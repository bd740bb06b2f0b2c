package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/logger"
)

// childEnvVar makes the test binary act as the conversion child
const childEnvVar = "WORKER_TEST_CONVERT_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnvVar) == "1" {
		err := RunChild(context.Background(), os.Stdin, os.Stdout, childRegistry(), logger.NewStderr("error").Logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type funcConverter func(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error)

func (f funcConverter) Convert(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error) {
	return f(ctx, task, env)
}

// childRegistry is served by the helper process and by the pipe tests.
// image writes an artifact, document fails, video panics, audio crashes.
func childRegistry() *convert.Registry {
	r := convert.NewRegistry()
	r.Register(domain.JobTypeImage, funcConverter(func(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error) {
		if err := env.Checkpoint(ctx, "write"); err != nil {
			return nil, err
		}
		env.ReportProgress(50)
		path := filepath.Join(task.WorkDir, "out.txt")
		if err := os.WriteFile(path, []byte(task.Filename), 0o644); err != nil {
			return nil, err
		}
		return &convert.Output{Path: path, Kind: convert.ArtifactThumbnail, Filename: "out.txt", ContentType: "text/plain"}, nil
	}))
	r.Register(domain.JobTypeDocument, funcConverter(func(context.Context, convert.Task, convert.Env) (*convert.Output, error) {
		return nil, domain.NewConversionFailed("decode", errors.New("bad header"))
	}))
	r.Register(domain.JobTypeVideo, funcConverter(func(context.Context, convert.Task, convert.Env) (*convert.Output, error) {
		panic("boom")
	}))
	r.Register(domain.JobTypeAudio, funcConverter(func(context.Context, convert.Task, convert.Env) (*convert.Output, error) {
		os.Exit(3)
		return nil, nil
	}))
	return r
}
