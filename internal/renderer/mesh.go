// Package renderer holds renderer-side adapters for morph target
// influences: a CPU morph mesh loaded from glTF, a headless renderer and a
// WebSocket stream for browser avatars.
package renderer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
)

// minInfluence is the weight below which a target is skipped.
const minInfluence = 0.001

// MorphTarget is one named blend shape of the face mesh.
type MorphTarget struct {
	Name           string
	PositionDeltas []mgl32.Vec3
}

// MorphMesh blends morph target deltas on the CPU. It is the reference
// renderer for GLB avatars: its vocabulary is the mesh's target names and
// ApplyInfluences produces the deformed vertex positions.
type MorphMesh struct {
	base    []mgl32.Vec3
	targets []MorphTarget
	index   map[string]int

	mu       sync.RWMutex
	weights  []float32
	deformed []mgl32.Vec3
}

// LoadMorphMesh opens a .glb or .gltf file and builds a MorphMesh from the
// first primitive that carries morph targets.
func LoadMorphMesh(path string) (*MorphMesh, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	return NewMorphMesh(doc)
}

// NewMorphMesh builds a MorphMesh from a decoded document.
func NewMorphMesh(doc *gltf.Document) (*MorphMesh, error) {
	if len(doc.Meshes) == 0 {
		return nil, errors.New("no meshes in file")
	}

	for _, mesh := range doc.Meshes {
		for _, prim := range mesh.Primitives {
			if len(prim.Targets) == 0 {
				continue
			}
			posIdx, ok := prim.Attributes[gltf.POSITION]
			if !ok {
				continue
			}
			base, err := readAccessorVec3(doc, int(posIdx))
			if err != nil {
				return nil, fmt.Errorf("read positions of mesh %q: %w", mesh.Name, err)
			}

			names := targetNames(mesh.Extras, len(prim.Targets))
			m := &MorphMesh{
				base:     base,
				index:    make(map[string]int, len(prim.Targets)),
				deformed: make([]mgl32.Vec3, len(base)),
			}
			copy(m.deformed, base)

			for i, target := range prim.Targets {
				mt := MorphTarget{Name: names[i]}
				if idx, ok := target[gltf.POSITION]; ok {
					mt.PositionDeltas, err = readAccessorVec3(doc, int(idx))
					if err != nil {
						return nil, fmt.Errorf("read morph target %q: %w", mt.Name, err)
					}
				}
				if _, dup := m.index[mt.Name]; dup {
					return nil, fmt.Errorf("duplicate morph target name %q", mt.Name)
				}
				m.index[mt.Name] = len(m.targets)
				m.targets = append(m.targets, mt)
			}
			m.weights = make([]float32, len(m.targets))
			return m, nil
		}
	}
	return nil, errors.New("no primitive with morph targets")
}

// targetNames reads the conventional extras.targetNames list, filling
// gaps with target_<i>.
func targetNames(extras any, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("target_%d", i)
	}
	ex, ok := extras.(map[string]any)
	if !ok {
		return names
	}
	list, ok := ex["targetNames"].([]any)
	if !ok {
		return names
	}
	for i, n := range list {
		if s, ok := n.(string); ok && s != "" && i < count {
			names[i] = s
		}
	}
	return names
}

// Vocabulary returns the sorted morph target names.
func (m *MorphMesh) Vocabulary() []string {
	out := make([]string, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

// VertexCount is the number of base vertices.
func (m *MorphMesh) VertexCount() int {
	return len(m.base)
}

// ApplyInfluences sets the named target weights and recomputes the
// deformed positions. Targets not named keep weight zero.
func (m *MorphMesh) ApplyInfluences(influences map[string]float32) error {
	weights := make([]float32, len(m.targets))
	for name, w := range influences {
		i, ok := m.index[name]
		if !ok {
			return fmt.Errorf("unknown morph target %q", name)
		}
		if w != w {
			return fmt.Errorf("morph target %q has NaN influence", name)
		}
		weights[i] = mgl32.Clamp(w, 0, 1)
	}

	deformed := make([]mgl32.Vec3, len(m.base))
	copy(deformed, m.base)
	for ti, target := range m.targets {
		w := weights[ti]
		if w < minInfluence {
			continue
		}
		for vi, delta := range target.PositionDeltas {
			if vi < len(deformed) {
				deformed[vi] = deformed[vi].Add(delta.Mul(w))
			}
		}
	}

	m.mu.Lock()
	m.weights = weights
	m.deformed = deformed
	m.mu.Unlock()
	return nil
}

// Weights returns the current weight of every target.
func (m *MorphMesh) Weights() map[string]float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float32, len(m.targets))
	for i, t := range m.targets {
		out[t.Name] = m.weights[i]
	}
	return out
}

// Positions returns a copy of the deformed vertex positions.
func (m *MorphMesh) Positions() []mgl32.Vec3 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]mgl32.Vec3, len(m.deformed))
	copy(out, m.deformed)
	return out
}

func readAccessorVec3(doc *gltf.Document, accessorIdx int) ([]mgl32.Vec3, error) {
	if accessorIdx < 0 || accessorIdx >= len(doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", accessorIdx)
	}
	accessor := doc.Accessors[accessorIdx]
	if accessor.Type != gltf.AccessorVec3 || accessor.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("accessor %d is not a float VEC3", accessorIdx)
	}
	count := int(accessor.Count)
	if accessor.BufferView == nil {
		// glTF allows a view-less accessor, which reads as zeros.
		return make([]mgl32.Vec3, count), nil
	}

	viewIdx := *accessor.BufferView
	if viewIdx < 0 || viewIdx >= len(doc.BufferViews) || doc.BufferViews[viewIdx] == nil {
		return nil, fmt.Errorf("accessor %d references missing buffer view %d", accessorIdx, viewIdx)
	}
	bufferView := doc.BufferViews[viewIdx]
	if bufferView.Buffer < 0 || bufferView.Buffer >= len(doc.Buffers) || doc.Buffers[bufferView.Buffer] == nil {
		return nil, fmt.Errorf("buffer view %d references missing buffer %d", viewIdx, bufferView.Buffer)
	}
	data, err := getBufferData(doc.Buffers[bufferView.Buffer])
	if err != nil {
		return nil, err
	}

	offset := int(bufferView.ByteOffset) + int(accessor.ByteOffset)
	stride := int(bufferView.ByteStride)
	if stride == 0 {
		stride = 12
	}
	if count > 0 && offset+(count-1)*stride+12 > len(data) {
		return nil, fmt.Errorf("accessor %d overruns its buffer", accessorIdx)
	}

	result := make([]mgl32.Vec3, count)
	for i := range result {
		idx := offset + i*stride
		result[i] = mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(data[idx:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[idx+4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[idx+8:])),
		}
	}
	return result, nil
}

func getBufferData(buffer *gltf.Buffer) ([]byte, error) {
	if len(buffer.Data) > 0 {
		return buffer.Data, nil
	}
	if buffer.URI == "" {
		return nil, errors.New("buffer has no URI and no embedded data")
	}
	return nil, fmt.Errorf("buffer %q was not loaded", buffer.URI)
}
