package mesh

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type objKey struct {
	v, t, n int
}

type objGroup struct {
	name   string
	prim   primitiveData
	lookup map[objKey]uint32

	withUV, withoutUV         bool
	withNormal, withoutNormal bool
	uvs                       [][2]float32
	normals                   [][3]float32
}

func newObjGroup(name string) *objGroup {
	return &objGroup{name: name, lookup: make(map[objKey]uint32)}
}

// parseOBJ reads Wavefront OBJ geometry. Each o/g statement starts a new
// primitive; polygons are fan-triangulated and vertices are shared per
// primitive by their (position, uv, normal) triple. Materials, lines and
// smoothing groups are ignored.
func parseOBJ(r io.Reader) ([]primitiveData, error) {
	var (
		positions [][3]float32
		uvs       [][2]float32
		normals   [][3]float32
		groups    []*objGroup
		current   = newObjGroup("")
	)
	groups = append(groups, current)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' {
			continue
		}

		fields := strings.Fields(text)
		switch fields[0] {
		case "v":
			p, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			positions = append(positions, [3]float32{p[0], p[1], p[2]})
		case "vt":
			t, err := parseFloats(fields[1:], 2)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			// glTF puts the texture origin at the top left
			uvs = append(uvs, [2]float32{t[0], 1 - t[1]})
		case "vn":
			n, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			normals = append(normals, [3]float32{n[0], n[1], n[2]})
		case "o", "g":
			name := strings.Join(fields[1:], " ")
			if len(current.prim.indices) == 0 {
				current.name = name
				continue
			}
			current = newObjGroup(name)
			groups = append(groups, current)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 vertices", line)
			}
			corners := make([]uint32, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				key, err := parseFaceRef(ref, len(positions), len(uvs), len(normals))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				corners = append(corners, current.vertex(key, positions, uvs, normals))
			}
			for i := 1; i+1 < len(corners); i++ {
				current.prim.indices = append(current.prim.indices, corners[0], corners[i], corners[i+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var prims []primitiveData
	for _, g := range groups {
		if len(g.prim.indices) == 0 {
			continue
		}
		p := g.prim
		p.name = g.name
		if g.withUV && !g.withoutUV {
			p.uvs = g.uvs
		}
		if g.withNormal && !g.withoutNormal {
			p.normals = g.normals
		}
		prims = append(prims, p)
	}
	if len(prims) == 0 {
		return nil, errNoGeometry
	}
	return prims, nil
}

func (g *objGroup) vertex(key objKey, positions [][3]float32, uvs [][2]float32, normals [][3]float32) uint32 {
	if idx, ok := g.lookup[key]; ok {
		return idx
	}

	idx := uint32(len(g.prim.positions))
	g.lookup[key] = idx
	g.prim.positions = append(g.prim.positions, positions[key.v])

	if key.t >= 0 {
		g.withUV = true
		g.uvs = append(g.uvs, uvs[key.t])
	} else {
		g.withoutUV = true
		g.uvs = append(g.uvs, [2]float32{})
	}

	if key.n >= 0 {
		g.withNormal = true
		g.normals = append(g.normals, normals[key.n])
	} else {
		g.withoutNormal = true
		g.normals = append(g.normals, [3]float32{})
	}
	return idx
}

func parseFloats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("expected %d components, got %d", n, len(fields))
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", fields[i])
		}
		out[i] = float32(f)
	}
	return out, nil
}

// parseFaceRef resolves v, v/vt, v//vn or v/vt/vn into zero-based indices,
// -1 marking an absent component
func parseFaceRef(ref string, nv, nt, nn int) (objKey, error) {
	parts := strings.Split(ref, "/")
	if len(parts) > 3 {
		return objKey{}, fmt.Errorf("invalid face vertex %q", ref)
	}

	key := objKey{v: -1, t: -1, n: -1}
	var err error

	if key.v, err = resolveIndex(parts[0], nv); err != nil || key.v < 0 {
		return objKey{}, fmt.Errorf("invalid position index in %q", ref)
	}
	if len(parts) > 1 && parts[1] != "" {
		if key.t, err = resolveIndex(parts[1], nt); err != nil {
			return objKey{}, fmt.Errorf("invalid texture index in %q", ref)
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		if key.n, err = resolveIndex(parts[2], nn); err != nil {
			return objKey{}, fmt.Errorf("invalid normal index in %q", ref)
		}
	}
	return key, nil
}

func resolveIndex(s string, count int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return -1, err
	}
	switch {
	case i > 0 && i <= count:
		return i - 1, nil
	case i < 0 && -i <= count:
		return count + i, nil
	}
	return -1, fmt.Errorf("index %d out of range", i)
}
