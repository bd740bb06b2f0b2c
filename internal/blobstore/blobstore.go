package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Object is a stored artifact
type Object struct {
	Filename string
	URL      string
}

// Backend stores raw objects under slash-separated keys
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

var categories = []string{
	domain.CategoryOriginal,
	domain.CategoryThumbnails,
	domain.CategoryRenders,
}

// Store maps artifact categories onto a Backend and builds public URLs as
// {baseURL}/{category}/{filename}
type Store struct {
	backend Backend
	baseURL string
	logger  *slog.Logger
}

// New creates a Store
func New(backend Backend, baseURL string, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

func (s *Store) SaveOriginal(ctx context.Context, r io.Reader, size int64, name, contentType string) (*Object, error) {
	return s.save(ctx, domain.CategoryOriginal, r, size, name, contentType)
}

func (s *Store) SaveThumbnail(ctx context.Context, r io.Reader, size int64, name, contentType string) (*Object, error) {
	return s.save(ctx, domain.CategoryThumbnails, r, size, name, contentType)
}

func (s *Store) SaveRender(ctx context.Context, r io.Reader, size int64, name, contentType string) (*Object, error) {
	return s.save(ctx, domain.CategoryRenders, r, size, name, contentType)
}

// Save stores r under category. Saving an existing name overwrites it.
func (s *Store) Save(ctx context.Context, category string, r io.Reader, size int64, name, contentType string) (*Object, error) {
	if !validCategory(category) {
		return nil, fmt.Errorf("unknown storage category %q", category)
	}
	return s.save(ctx, category, r, size, name, contentType)
}

func (s *Store) save(ctx context.Context, category string, r io.Reader, size int64, name, contentType string) (*Object, error) {
	filename := SanitizeName(name)
	key := category + "/" + filename

	if err := s.backend.Put(ctx, key, r, size, contentType); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", key, err)
	}

	s.logger.Debug("Object stored",
		slog.String("key", key),
		slog.Int64("size", size),
	)

	return &Object{Filename: filename, URL: s.URL(category, filename)}, nil
}

// URL builds the public URL of a stored object
func (s *Store) URL(category, filename string) string {
	return s.baseURL + "/" + category + "/" + filename
}

// Delete removes the object named by the last segment of url from every
// category. It reports false when nothing matched.
func (s *Store) Delete(ctx context.Context, url string) (bool, error) {
	found := false
	for _, category := range categories {
		ok, err := s.Remove(ctx, category, url)
		if err != nil {
			return found, err
		}
		found = found || ok
	}
	return found, nil
}

// Remove deletes the object named by the last segment of url from one
// category only
func (s *Store) Remove(ctx context.Context, category, url string) (bool, error) {
	if !validCategory(category) {
		return false, fmt.Errorf("unknown storage category %q", category)
	}
	key := category + "/" + SanitizeName(path.Base(url))

	ok, err := s.backend.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.backend.Remove(ctx, key); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	s.logger.Info("Object deleted", slog.String("key", key))
	return true, nil
}

func validCategory(c string) bool {
	for _, v := range categories {
		if v == c {
			return true
		}
	}
	return false
}

// SanitizeName reduces name to a safe single path segment
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
