package worker

import (
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/config"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/convert/mesh"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// BuildRegistry binds every job type to its converter. The worker and the
// conversion child build identical registries from the same config.
func BuildRegistry(cfg *config.PipelineConfig) *convert.Registry {
	r := convert.NewRegistry()

	r.Register(domain.JobTypeImage, convert.NewImageConverter(convert.ImageOptions{
		Width:   cfg.ThumbnailWidth,
		Height:  cfg.ThumbnailHeight,
		Quality: cfg.WebPQuality,
	}))
	r.Register(domain.JobTypeMesh, mesh.New(mesh.Options{
		CompressionThreshold: cfg.CompressionThresholdBytes,
	}))

	// no pipeline yet; the job completes without an artifact
	for _, t := range []domain.JobType{domain.JobTypeVideo, domain.JobTypeAudio, domain.JobTypeDocument} {
		r.Register(t, convert.Noop{})
	}

	return r
}
