// Package mesh converts 3D sources into a single web-ready GLB through a
// two-stage pipeline: normalize to an intermediate glTF scene, then pack
// into a binary file with optional position quantization.
package mesh

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Pipeline stages, checked for cancellation before each runs
const (
	StageNormalize = "normalize"
	StagePack      = "pack"
)

const contentTypeGLB = "model/gltf-binary"

// Options configure the pipeline
type Options struct {
	// CompressionThreshold is the source size in bytes above which
	// positions are quantized
	CompressionThreshold int64
}

// Pipeline is the mesh converter
type Pipeline struct {
	opts Options
}

var _ convert.Converter = (*Pipeline)(nil)

// New creates a Pipeline
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts}
}

func (p *Pipeline) Convert(ctx context.Context, task convert.Task, env convert.Env) (*convert.Output, error) {
	if err := env.Checkpoint(ctx, StageNormalize); err != nil {
		return nil, err
	}
	env.ReportProgress(10)

	stageDir, err := os.MkdirTemp(task.WorkDir, "scene-")
	if err != nil {
		return nil, domain.NewConversionFailed(StageNormalize, err)
	}
	defer os.RemoveAll(stageDir)

	intermediate, err := Normalize(task.SourcePath, task.SourceExt, stageDir)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			return nil, err
		}
		return nil, domain.NewConversionFailed(StageNormalize, err)
	}
	env.ReportProgress(50)

	if err := env.Checkpoint(ctx, StagePack); err != nil {
		return nil, err
	}
	env.ReportProgress(60)

	name := convert.ArtifactName(task, ".glb")
	dst := filepath.Join(task.WorkDir, name)
	compress := p.opts.CompressionThreshold > 0 && task.SourceSize > p.opts.CompressionThreshold

	if err := Pack(intermediate, dst, compress); err != nil {
		os.Remove(dst)
		return nil, domain.NewConversionFailed(StagePack, err)
	}
	env.ReportProgress(90)

	return &convert.Output{
		Path:        dst,
		Kind:        convert.ArtifactRender,
		Filename:    name,
		ContentType: contentTypeGLB,
	}, nil
}
