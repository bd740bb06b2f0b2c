package mesh

import (
	"errors"
	"math"

	"github.com/hschendel/stl"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

var errNoGeometry = errors.New("no geometry")

// primitiveData is one triangle list. normals and uvs are nil or parallel
// to positions.
type primitiveData struct {
	name      string
	positions [][3]float32
	normals   [][3]float32
	uvs       [][2]float32
	indices   []uint32
}

// buildDocument puts prims into a single mesh under a single root node
func buildDocument(name string, prims []primitiveData) *gltf.Document {
	doc := gltf.NewDocument()
	mesh := &gltf.Mesh{Name: name}

	for _, p := range prims {
		attrs := map[string]int{
			gltf.POSITION: modeler.WritePosition(doc, p.positions),
		}
		if p.normals != nil {
			attrs[gltf.NORMAL] = modeler.WriteNormal(doc, p.normals)
		}
		if p.uvs != nil {
			attrs[gltf.TEXCOORD_0] = modeler.WriteTextureCoord(doc, p.uvs)
		}
		mesh.Primitives = append(mesh.Primitives, &gltf.Primitive{
			Attributes: attrs,
			Indices:    gltf.Index(modeler.WriteIndices(doc, p.indices)),
		})
	}

	doc.Meshes = []*gltf.Mesh{mesh}
	root := newNode(name)
	root.Mesh = gltf.Index(0)
	doc.Nodes = []*gltf.Node{root}
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, 0)
	return doc
}

// newNode returns a node with an identity transform
func newNode(name string) *gltf.Node {
	return &gltf.Node{
		Name:     name,
		Matrix:   [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		Rotation: [4]float64{0, 0, 0, 1},
		Scale:    [3]float64{1, 1, 1},
	}
}

type stlKey struct {
	p, n [3]float32
}

// loadSTL reads ASCII or binary STL into one primitive. Facet normals are
// kept per corner; missing normals are derived from the winding.
func loadSTL(path string) ([]primitiveData, error) {
	solid, err := stl.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(solid.Triangles) == 0 {
		return nil, errNoGeometry
	}

	prim := primitiveData{name: solid.Name}
	lookup := make(map[stlKey]uint32, len(solid.Triangles)*3)

	for _, t := range solid.Triangles {
		var corners [3][3]float32
		for i, v := range t.Vertices {
			corners[i] = [3]float32{v[0], v[1], v[2]}
		}

		n := [3]float32{t.Normal[0], t.Normal[1], t.Normal[2]}
		if n == ([3]float32{}) {
			n = faceNormal(corners)
		}

		for _, c := range corners {
			key := stlKey{p: c, n: n}
			idx, ok := lookup[key]
			if !ok {
				idx = uint32(len(prim.positions))
				lookup[key] = idx
				prim.positions = append(prim.positions, c)
				prim.normals = append(prim.normals, n)
			}
			prim.indices = append(prim.indices, idx)
		}
	}
	return []primitiveData{prim}, nil
}

func faceNormal(c [3][3]float32) [3]float32 {
	var u, v [3]float64
	for i := 0; i < 3; i++ {
		u[i] = float64(c[1][i] - c[0][i])
		v[i] = float64(c[2][i] - c[0][i])
	}
	n := [3]float64{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	l := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
	if l == 0 {
		// degenerate facet; any unit vector keeps the accessor valid
		return [3]float32{0, 0, 1}
	}
	return [3]float32{float32(n[0] / l), float32(n[1] / l), float32(n[2] / l)}
}
