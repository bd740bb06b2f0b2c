package mesh

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/qmuntal/gltf"
)

// KHRMeshQuantization is the extension required by compressed output
const KHRMeshQuantization = "KHR_mesh_quantization"

// Pack turns the intermediate scene at src into a single GLB at dst.
// Images are embedded, buffers merged, and when compress is set vertex
// positions are quantized.
func Pack(src, dst string, compress bool) error {
	doc, err := gltf.Open(src)
	if err != nil {
		return fmt.Errorf("open intermediate: %w", err)
	}

	mergeBuffers(doc)

	if err := embedImages(doc, filepath.Dir(src)); err != nil {
		return err
	}

	if compress {
		if _, err := quantize(doc); err != nil {
			return fmt.Errorf("quantize: %w", err)
		}
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	enc := gltf.NewEncoder(f)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		f.Close()
		return fmt.Errorf("encode glb: %w", err)
	}
	return f.Close()
}

func align4(data []byte) []byte {
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	return data
}

// mergeBuffers concatenates every buffer into buffer 0, which GLB stores
// in its binary chunk
func mergeBuffers(doc *gltf.Document) {
	if len(doc.Buffers) == 0 {
		return
	}

	var data []byte
	offsets := make([]int, len(doc.Buffers))
	for i, b := range doc.Buffers {
		data = align4(data)
		offsets[i] = len(data)
		data = append(data, b.Data...)
	}

	for _, bv := range doc.BufferViews {
		bv.ByteOffset += offsets[bv.Buffer]
		bv.Buffer = 0
	}

	doc.Buffers = []*gltf.Buffer{{ByteLength: len(data), Data: data}}
}

func appendBufferView(doc *gltf.Document, payload []byte) int {
	if len(doc.Buffers) == 0 {
		doc.Buffers = []*gltf.Buffer{{}}
	}
	b := doc.Buffers[0]
	b.Data = align4(b.Data)
	doc.BufferViews = append(doc.BufferViews, &gltf.BufferView{
		Buffer:     0,
		ByteOffset: len(b.Data),
		ByteLength: len(payload),
	})
	b.Data = append(b.Data, payload...)
	b.ByteLength = len(b.Data)
	return len(doc.BufferViews) - 1
}

// embedImages moves URI-referenced images into buffer views
func embedImages(doc *gltf.Document, dir string) error {
	for i, img := range doc.Images {
		if img.URI == "" {
			continue
		}

		data, err := readImage(img.URI, dir)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}

		img.BufferView = gltf.Index(appendBufferView(doc, data))
		img.MimeType = mimetype.Detect(data).String()
		img.URI = ""
	}
	return nil
}

func readImage(uri, dir string) ([]byte, error) {
	if strings.HasPrefix(uri, "data:") {
		comma := strings.IndexByte(uri, ',')
		if comma < 0 {
			return nil, fmt.Errorf("malformed data uri")
		}
		meta, payload := uri[5:comma], uri[comma+1:]
		if strings.HasSuffix(meta, ";base64") {
			return base64.StdEncoding.DecodeString(payload)
		}
		s, err := url.PathUnescape(payload)
		return []byte(s), err
	}

	rel, err := url.PathUnescape(uri)
	if err != nil {
		return nil, err
	}
	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("image path %q escapes the scene directory", uri)
	}
	return os.ReadFile(filepath.Join(dir, rel))
}
