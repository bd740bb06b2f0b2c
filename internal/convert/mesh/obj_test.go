package mesh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quadOBJ = `# unit quad
o Quad
v 0 0 0
v 2 0 0
v 2 1 0
v 0 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
vn 0 0 1
f 1/1/1 2/2/1 3/3/1 4/4/1
`

func TestParseOBJ_Quad(t *testing.T) {
	prims, err := parseOBJ(strings.NewReader(quadOBJ))
	require.NoError(t, err)
	require.Len(t, prims, 1)

	p := prims[0]
	assert.Equal(t, "Quad", p.name)
	assert.Len(t, p.positions, 4)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, p.indices)
	require.Len(t, p.normals, 4)
	assert.Equal(t, [3]float32{0, 0, 1}, p.normals[0])
	require.Len(t, p.uvs, 4)
	assert.Equal(t, [2]float32{0, 1}, p.uvs[0], "v is flipped")
	assert.Equal(t, [2]float32{1, 0}, p.uvs[2])
}

func TestParseOBJ_FacesAndGroups(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		wantPrims   int
		wantIndices []uint32
		wantNormals bool
	}{
		{
			name:        "pentagon is fan triangulated",
			src:         "v 0 0 0\nv 1 0 0\nv 2 1 0\nv 1 2 0\nv 0 1 0\nf 1 2 3 4 5\n",
			wantPrims:   1,
			wantIndices: []uint32{0, 1, 2, 0, 2, 3, 0, 3, 4},
		},
		{
			name:        "negative indices count back from the last vertex",
			src:         "v 0 0 0\nv 1 0 0\nv 0 1 0\nf -3 -2 -1\n",
			wantPrims:   1,
			wantIndices: []uint32{0, 1, 2},
		},
		{
			name:        "shared corners are reused",
			src:         "v 0 0 0\nv 1 0 0\nv 0 1 0\nv 1 1 0\nf 1 2 3\nf 2 4 3\n",
			wantPrims:   1,
			wantIndices: []uint32{0, 1, 2, 1, 3, 2},
		},
		{
			name:        "normals only when every corner has one",
			src:         "v 0 0 0\nv 1 0 0\nv 0 1 0\nvn 0 0 1\nf 1//1 2//1 3\n",
			wantPrims:   1,
			wantIndices: []uint32{0, 1, 2},
		},
		{
			name:        "each group becomes a primitive",
			src:         "v 0 0 0\nv 1 0 0\nv 0 1 0\ng a\nf 1 2 3\ng b\nf 3 2 1\ng empty\n",
			wantPrims:   2,
			wantIndices: []uint32{0, 1, 2},
		},
		{
			name:        "unknown statements are ignored",
			src:         "mtllib x.mtl\nv 0 0 0\nv 1 0 0\nv 0 1 0\nusemtl red\ns off\nl 1 2\nf 1 2 3\n",
			wantPrims:   1,
			wantIndices: []uint32{0, 1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prims, err := parseOBJ(strings.NewReader(tt.src))
			require.NoError(t, err)
			require.Len(t, prims, tt.wantPrims)
			assert.Equal(t, tt.wantIndices, prims[0].indices)
			assert.Equal(t, tt.wantNormals, prims[0].normals != nil)
		})
	}
}

func TestParseOBJ_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{name: "empty", src: "# nothing\n", wantErr: "no geometry"},
		{name: "vertices only", src: "v 0 0 0\n", wantErr: "no geometry"},
		{name: "bad number", src: "v 0 x 0\n", wantErr: "line 1: invalid number"},
		{name: "short vertex", src: "v 0 0\n", wantErr: "expected 3 components"},
		{name: "two corner face", src: "v 0 0 0\nv 1 0 0\nf 1 2\n", wantErr: "line 3: face needs at least 3 vertices"},
		{name: "index out of range", src: "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 4\n", wantErr: "invalid position index"},
		{name: "zero index", src: "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 0 1 2\n", wantErr: "invalid position index"},
		{name: "missing uv", src: "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1/1 2/1 3/1\n", wantErr: "invalid texture index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOBJ(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
