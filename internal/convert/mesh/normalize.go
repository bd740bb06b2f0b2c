package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// IntermediateName is the JSON scene written by Normalize
const IntermediateName = "scene.gltf"

// Supported reports whether ext (with leading dot) can be normalized
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".obj", ".stl", ".gltf", ".glb":
		return true
	}
	return false
}

// Normalize converts src into a glTF JSON scene with external binary
// buffers inside dir and returns the scene path. Formats it cannot read
// return domain.ErrUnsupportedFormat.
func Normalize(src, ext, dir string) (string, error) {
	ext = strings.ToLower(ext)
	if !Supported(ext) {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ext)
	}

	var doc *gltf.Document
	switch ext {
	case ".obj":
		f, err := os.Open(src)
		if err != nil {
			return "", err
		}
		prims, err := parseOBJ(f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("parse obj: %w", err)
		}
		doc = buildDocument(sceneName(src), prims)
	case ".stl":
		prims, err := loadSTL(src)
		if err != nil {
			return "", fmt.Errorf("parse stl: %w", err)
		}
		doc = buildDocument(sceneName(src), prims)
	default:
		var err error
		if doc, err = gltf.Open(src); err != nil {
			return "", fmt.Errorf("open gltf: %w", err)
		}
	}

	return writeIntermediate(doc, dir)
}

func sceneName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// writeIntermediate stores each buffer as sceneN.bin next to scene.gltf
func writeIntermediate(doc *gltf.Document, dir string) (string, error) {
	for i, b := range doc.Buffers {
		name := fmt.Sprintf("scene%d.bin", i)
		if err := os.WriteFile(filepath.Join(dir, name), b.Data, 0o644); err != nil {
			return "", err
		}
		b.URI = name
		b.ByteLength = len(b.Data)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode scene: %w", err)
	}

	path := filepath.Join(dir, IntermediateName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
