package mesh

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qmuntal/gltf"
)

const quantRange = 32767

// quantizable reports whether positions can be rewritten without touching
// skinning, morphing or animation data
func quantizable(doc *gltf.Document) bool {
	if len(doc.Skins) > 0 || len(doc.Animations) > 0 || len(doc.Buffers) != 1 {
		return false
	}
	for _, a := range doc.Accessors {
		if a.Sparse != nil {
			return false
		}
	}
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			if len(p.Targets) > 0 {
				return false
			}
			idx, ok := p.Attributes[gltf.POSITION]
			if !ok {
				continue
			}
			a := doc.Accessors[idx]
			if a.ComponentType != gltf.ComponentFloat || a.Type != gltf.AccessorVec3 || a.BufferView == nil {
				return false
			}
		}
	}
	return true
}

// quantize stores POSITION as normalized int16 under KHR_mesh_quantization.
// Each mesh gets a child node whose translation and uniform scale map the
// quantized cube back onto the original bounds. It reports whether the
// document changed.
func quantize(doc *gltf.Document) (bool, error) {
	if !quantizable(doc) {
		return false, nil
	}

	users := make(map[int][]int)
	for ni, n := range doc.Nodes {
		if n.Mesh != nil {
			users[*n.Mesh] = append(users[*n.Mesh], ni)
		}
	}

	changed := false
	for mi, mesh := range doc.Meshes {
		if len(users[mi]) == 0 {
			continue
		}

		positions := make(map[int][][3]float32)
		lo := [3]float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
		hi := [3]float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
		for _, p := range mesh.Primitives {
			idx, ok := p.Attributes[gltf.POSITION]
			if !ok {
				continue
			}
			if _, seen := positions[idx]; seen {
				continue
			}
			pos, err := readVec3(doc, doc.Accessors[idx])
			if err != nil {
				return false, err
			}
			positions[idx] = pos
			for _, v := range pos {
				for k := 0; k < 3; k++ {
					lo[k] = min(lo[k], v[k])
					hi[k] = max(hi[k], v[k])
				}
			}
		}
		if len(positions) == 0 {
			continue
		}

		var center [3]float64
		half := 0.0
		for k := 0; k < 3; k++ {
			center[k] = (float64(lo[k]) + float64(hi[k])) / 2
			half = math.Max(half, (float64(hi[k])-float64(lo[k]))/2)
		}
		if half == 0 {
			half = 1
		}

		rewritten := make(map[int]int, len(positions))
		for _, p := range mesh.Primitives {
			idx, ok := p.Attributes[gltf.POSITION]
			if !ok {
				continue
			}
			if q, done := rewritten[idx]; done {
				p.Attributes[gltf.POSITION] = q
				continue
			}
			q := writeQuantized(doc, positions[idx], center, half)
			rewritten[idx] = q
			p.Attributes[gltf.POSITION] = q
		}

		for _, ni := range users[mi] {
			parent := doc.Nodes[ni]
			child := newNode(parent.Name + "_dequantize")
			child.Mesh = gltf.Index(mi)
			child.Translation = center
			child.Scale = [3]float64{half, half, half}
			doc.Nodes = append(doc.Nodes, child)
			parent.Mesh = nil
			parent.Children = append(parent.Children, len(doc.Nodes)-1)
		}
		changed = true
	}

	if !changed {
		return false, nil
	}

	addExtension(doc, KHRMeshQuantization)
	prune(doc)
	return true, nil
}

func readVec3(doc *gltf.Document, a *gltf.Accessor) ([][3]float32, error) {
	bv := doc.BufferViews[*a.BufferView]
	data := doc.Buffers[bv.Buffer].Data

	stride := bv.ByteStride
	if stride == 0 {
		stride = 12
	}
	start := bv.ByteOffset + a.ByteOffset
	if a.Count > 0 && start+(a.Count-1)*stride+12 > len(data) {
		return nil, fmt.Errorf("accessor %q overruns its buffer", a.Name)
	}

	out := make([][3]float32, a.Count)
	for i := range out {
		off := start + i*stride
		for k := 0; k < 3; k++ {
			out[i][k] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*k:]))
		}
	}
	return out, nil
}

// writeQuantized appends an int16x4 padded view (vertex attributes must be
// 4-byte aligned) and a normalized VEC3 accessor over it
func writeQuantized(doc *gltf.Document, pos [][3]float32, center [3]float64, half float64) int {
	payload := make([]byte, len(pos)*8)
	qmin := []float64{1, 1, 1}
	qmax := []float64{-1, -1, -1}

	for i, v := range pos {
		for k := 0; k < 3; k++ {
			n := (float64(v[k]) - center[k]) / half
			q := int16(math.Max(-quantRange, math.Min(quantRange, math.Round(n*quantRange))))
			binary.LittleEndian.PutUint16(payload[i*8+2*k:], uint16(q))

			f := float64(q) / quantRange
			qmin[k] = min(qmin[k], f)
			qmax[k] = max(qmax[k], f)
		}
	}

	bv := appendBufferView(doc, payload)
	doc.BufferViews[bv].ByteStride = 8
	doc.BufferViews[bv].Target = gltf.TargetArrayBuffer

	doc.Accessors = append(doc.Accessors, &gltf.Accessor{
		BufferView:    gltf.Index(bv),
		ComponentType: gltf.ComponentShort,
		Normalized:    true,
		Count:         len(pos),
		Type:          gltf.AccessorVec3,
		Min:           qmin,
		Max:           qmax,
	})
	return len(doc.Accessors) - 1
}

func addExtension(doc *gltf.Document, name string) {
	has := func(list []string) bool {
		for _, s := range list {
			if s == name {
				return true
			}
		}
		return false
	}
	if !has(doc.ExtensionsUsed) {
		doc.ExtensionsUsed = append(doc.ExtensionsUsed, name)
	}
	if !has(doc.ExtensionsRequired) {
		doc.ExtensionsRequired = append(doc.ExtensionsRequired, name)
	}
}

// prune drops accessors and buffer views nothing references and compacts
// buffer 0. Only valid on documents that passed quantizable.
func prune(doc *gltf.Document) {
	usedAcc := make([]bool, len(doc.Accessors))
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			for _, idx := range p.Attributes {
				usedAcc[idx] = true
			}
			if p.Indices != nil {
				usedAcc[*p.Indices] = true
			}
		}
	}

	accMap := make([]int, len(doc.Accessors))
	var accessors []*gltf.Accessor
	for i, a := range doc.Accessors {
		accMap[i] = -1
		if usedAcc[i] {
			accMap[i] = len(accessors)
			accessors = append(accessors, a)
		}
	}
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			for name, idx := range p.Attributes {
				p.Attributes[name] = accMap[idx]
			}
			if p.Indices != nil {
				p.Indices = gltf.Index(accMap[*p.Indices])
			}
		}
	}
	doc.Accessors = accessors

	usedView := make([]bool, len(doc.BufferViews))
	for _, a := range doc.Accessors {
		if a.BufferView != nil {
			usedView[*a.BufferView] = true
		}
	}
	for _, img := range doc.Images {
		if img.BufferView != nil {
			usedView[*img.BufferView] = true
		}
	}

	old := doc.Buffers[0].Data
	var data []byte
	viewMap := make([]int, len(doc.BufferViews))
	var views []*gltf.BufferView
	for i, bv := range doc.BufferViews {
		viewMap[i] = -1
		if !usedView[i] {
			continue
		}
		data = align4(data)
		chunk := old[bv.ByteOffset : bv.ByteOffset+bv.ByteLength]
		bv.ByteOffset = len(data)
		data = append(data, chunk...)
		viewMap[i] = len(views)
		views = append(views, bv)
	}
	for _, a := range doc.Accessors {
		if a.BufferView != nil {
			a.BufferView = gltf.Index(viewMap[*a.BufferView])
		}
	}
	for _, img := range doc.Images {
		if img.BufferView != nil {
			img.BufferView = gltf.Index(viewMap[*img.BufferView])
		}
	}

	doc.BufferViews = views
	doc.Buffers[0].Data = data
	doc.Buffers[0].ByteLength = len(data)
}
