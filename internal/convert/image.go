package convert

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

const stageThumbnail = "thumbnail"

// ImageOptions configure thumbnail generation
type ImageOptions struct {
	Width   int
	Height  int
	Quality float32
}

// ImageConverter produces a WebP thumbnail that fits within Width x Height
type ImageConverter struct {
	opts ImageOptions
}

// NewImageConverter creates an ImageConverter with 300x300 / q80 defaults
func NewImageConverter(opts ImageOptions) *ImageConverter {
	if opts.Width <= 0 {
		opts.Width = 300
	}
	if opts.Height <= 0 {
		opts.Height = 300
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	return &ImageConverter{opts: opts}
}

func (c *ImageConverter) Convert(ctx context.Context, task Task, env Env) (*Output, error) {
	if err := env.Checkpoint(ctx, stageThumbnail); err != nil {
		return nil, err
	}

	img, err := imaging.Open(task.SourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.NewConversionFailed(stageThumbnail, fmt.Errorf("decode: %w", err))
	}
	env.ReportProgress(40)

	thumb := Fit(img, c.opts.Width, c.opts.Height)
	env.ReportProgress(70)

	name := ArtifactName(task, ".webp")
	dst := filepath.Join(task.WorkDir, name)

	f, err := os.Create(dst)
	if err != nil {
		return nil, domain.NewConversionFailed(stageThumbnail, err)
	}
	defer f.Close()

	if err := webp.Encode(f, thumb, &webp.Options{Quality: c.opts.Quality}); err != nil {
		return nil, domain.NewConversionFailed(stageThumbnail, fmt.Errorf("encode webp: %w", err))
	}
	if err := f.Close(); err != nil {
		return nil, domain.NewConversionFailed(stageThumbnail, err)
	}
	env.ReportProgress(100)

	return &Output{
		Path:        dst,
		Kind:        ArtifactThumbnail,
		Filename:    name,
		ContentType: "image/webp",
	}, nil
}

// Fit scales img down to fit within width x height, keeping the aspect
// ratio. Images already small enough are returned unchanged.
func Fit(img image.Image, width, height int) image.Image {
	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())

	if w == 0 || h == 0 || width <= 0 || height <= 0 {
		return img
	}

	ratio := w / float64(width)
	if hRatio := h / float64(height); hRatio > ratio {
		ratio = hRatio
	}

	if ratio <= 1 {
		return img
	}

	nw, nh := int(w/ratio+0.5), int(h/ratio+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}
