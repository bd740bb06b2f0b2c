package convert

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chai2010/webp"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnv struct {
	mu       sync.Mutex
	progress []int
	stages   []string
	cancelAt string
}

func (e *stubEnv) ReportProgress(p int) {
	e.mu.Lock()
	e.progress = append(e.progress, p)
	e.mu.Unlock()
}

func (e *stubEnv) Checkpoint(_ context.Context, stage string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, stage)
	if stage == e.cancelAt {
		return domain.ErrCancelled
	}
	return nil
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 7 {
		for x := 0; x < w; x += 7 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 80}))
}

func imageTask(t *testing.T, src string) Task {
	return Task{
		JobID:      "job-1",
		Type:       domain.JobTypeImage,
		RecordID:   "rec-1",
		FileIndex:  2,
		Filename:   "holiday.photo.jpg",
		SourcePath: src,
		SourceExt:  filepath.Ext(src),
		WorkDir:    t.TempDir(),
	}
}

func decodedSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestImageConverter_LargeJPEG(t *testing.T) {
	src := filepath.Join(t.TempDir(), "source.jpg")
	writeJPEG(t, src, 2000, 2000)

	env := &stubEnv{}
	task := imageTask(t, src)
	out, err := NewImageConverter(ImageOptions{}).Convert(context.Background(), task, env)
	require.NoError(t, err)

	assert.Equal(t, ArtifactThumbnail, out.Kind)
	assert.Equal(t, "image/webp", out.ContentType)
	assert.Equal(t, "rec-1_2_holiday.photo.webp", out.Filename)
	assert.Equal(t, filepath.Join(task.WorkDir, out.Filename), out.Path)

	w, h := decodedSize(t, out.Path)
	assert.Equal(t, 300, w)
	assert.Equal(t, 300, h)
	assert.Equal(t, []int{40, 70, 100}, env.progress)
}

func TestImageConverter_KeepsAspectAndNeverUpscales(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1200, 600, 300, 150},
		{"portrait", 400, 1600, 75, 300},
		{"small", 120, 80, 120, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "source.png")
			img := image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h))
			f, err := os.Create(src)
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())

			out, err := NewImageConverter(ImageOptions{}).Convert(context.Background(), imageTask(t, src), &stubEnv{})
			require.NoError(t, err)

			w, h := decodedSize(t, out.Path)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestImageConverter_Cancelled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "source.jpg")
	writeJPEG(t, src, 10, 10)

	task := imageTask(t, src)
	_, err := NewImageConverter(ImageOptions{}).Convert(context.Background(), task, &stubEnv{cancelAt: stageThumbnail})
	assert.ErrorIs(t, err, domain.ErrCancelled)

	entries, err := os.ReadDir(task.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageConverter_CorruptSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "source.jpg")
	require.NoError(t, os.WriteFile(src, []byte("definitely not a jpeg"), 0o644))

	_, err := NewImageConverter(ImageOptions{}).Convert(context.Background(), imageTask(t, src), &stubEnv{})
	var convErr *domain.ConversionFailedError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, stageThumbnail, convErr.Stage)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.JobTypeAudio, Noop{})

	c, err := r.Lookup(domain.JobTypeAudio)
	require.NoError(t, err)

	out, err := c.Convert(context.Background(), Task{}, &stubEnv{})
	require.NoError(t, err)
	assert.False(t, out.HasArtifact())

	_, err = r.Lookup(domain.JobTypeMesh)
	assert.ErrorIs(t, err, domain.ErrNoConverter)
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"chair.obj", "r_0_chair.glb"},
		{"archive.tar.gz", "r_0_archive.tar.glb"},
		{"noext", "r_0_noext.glb"},
		{".glb", "r_0_file.glb"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactName(Task{RecordID: "r", Filename: tt.filename}, ".glb"))
		})
	}
}
