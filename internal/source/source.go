package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

var errTooLarge = errors.New("source exceeds size limit")

// File is a source materialized inside a job's work directory
type File struct {
	Path     string
	Size     int64
	MimeType string
	Ext      string
}

// Fetcher copies a SourceLocator into a work directory
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher. maxBytes <= 0 disables the size limit.
func NewFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Fetch writes the source into workDir as "source<ext>", where ext comes from
// filename or, failing that, from the sniffed content type
func (f *Fetcher) Fetch(ctx context.Context, loc domain.SourceLocator, filename, workDir string) (*File, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	var (
		r       io.ReadCloser
		err     error
		locator = loc.Kind()
	)
	switch locator {
	case "path":
		r, err = os.Open(loc.Path)
	case "url":
		r, err = f.get(ctx, loc.URL)
	case "buffer":
		r = io.NopCloser(bytes.NewReader(loc.Buffer))
	}
	if err != nil {
		return nil, &domain.SourceUnavailableError{Locator: locator, Err: err}
	}
	defer r.Close()

	ext := strings.ToLower(filepath.Ext(filename))
	tmp := filepath.Join(workDir, "source.download")

	size, err := f.copyTo(tmp, r)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Locator: locator, Err: err}
	}

	mt, err := mimetype.DetectFile(tmp)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Locator: locator, Err: err}
	}
	if ext == "" {
		ext = mt.Extension()
	}

	dst := filepath.Join(workDir, "source"+ext)
	if err := os.Rename(tmp, dst); err != nil {
		return nil, fmt.Errorf("failed to place source: %w", err)
	}

	f.logger.Debug("Source fetched",
		slog.String("locator", locator),
		slog.Int64("size", size),
		slog.String("mime_type", mt.String()),
	)

	return &File{Path: dst, Size: size, MimeType: mt.String(), Ext: ext}, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, errTooLarge
	}
	return resp.Body, nil
}

func (f *Fetcher) copyTo(dst string, r io.Reader) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	if f.maxBytes > 0 {
		r = io.LimitReader(r, f.maxBytes+1)
	}

	n, err := io.Copy(out, r)
	if err != nil {
		return n, err
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, errTooLarge
	}
	return n, out.Close()
}
