package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidVolume is returned when a volume has no buffer or an empty grid
var ErrInvalidVolume = errors.New("invalid volume")

// Volume represents a 3D grid of voxels together with its world placement
type Volume struct {
	Geometry

	// Type is the voxel element type
	Type VoxelType

	// Data is the raw voxel buffer, little-endian, x varying fastest.
	// Its length is Size.Len() * Type.ElementSize().
	Data []byte
}

// NewVolume allocates a zero-filled volume with default geometry
func NewVolume(size Dims, typ VoxelType) *Volume {
	return &Volume{
		Geometry: NewGeometry(size),
		Type:     typ,
		Data:     make([]byte, size.Len()*typ.ElementSize()),
	}
}

// NewVolumeLike allocates a zero-filled volume with the geometry of ref
func NewVolumeLike(ref Geometry, typ VoxelType) *Volume {
	return &Volume{
		Geometry: ref.Clone(),
		Type:     typ,
		Data:     make([]byte, ref.Size.Len()*typ.ElementSize()),
	}
}

// Valid reports whether the volume has a non-empty grid and a buffer that
// holds exactly one element per voxel
func (v *Volume) Valid() bool {
	if v == nil || v.Size.Empty() || v.Type.Kind() == KindUnknown {
		return false
	}
	return len(v.Data) > 0 && len(v.Data) == v.Size.Len()*v.Type.ElementSize()
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Geometry: v.Geometry.Clone(),
		Type:     v.Type,
		Data:     make([]byte, len(v.Data)),
	}
	copy(out.Data, v.Data)
	return out
}

// At returns channel c of voxel i converted to float64
func (v *Volume) At(i, c int) float64 {
	k := v.Type.Kind()
	off := (i*v.Type.Channels() + c) * k.Size()
	switch k {
	case KindUChar:
		return float64(v.Data[off])
	case KindFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.Data[off:])))
	case KindDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(v.Data[off:]))
	}
	return 0
}

// Set stores val into channel c of voxel i, converting to the voxel kind.
// UChar values are rounded and saturated to [0, 255].
func (v *Volume) Set(i, c int, val float64) {
	k := v.Type.Kind()
	off := (i*v.Type.Channels() + c) * k.Size()
	switch k {
	case KindUChar:
		v.Data[off] = uint8(math.Max(0, math.Min(255, math.Round(val))))
	case KindFloat:
		binary.LittleEndian.PutUint32(v.Data[off:], math.Float32bits(float32(val)))
	case KindDouble:
		binary.LittleEndian.PutUint64(v.Data[off:], math.Float64bits(val))
	}
}

// Nonzero reports whether any channel of voxel i is nonzero
func (v *Volume) Nonzero(i int) bool {
	for c := 0; c < v.Type.Channels(); c++ {
		if v.At(i, c) != 0 {
			return true
		}
	}
	return false
}

// Scalars returns channel 0 of every voxel as float64
func (v *Volume) Scalars() []float64 {
	out := make([]float64, v.Size.Len())
	for i := range out {
		out[i] = v.At(i, 0)
	}
	return out
}

// DisplacementField is a dense 3-component vector volume on a grid
type DisplacementField struct {
	Geometry

	// Data holds one displacement per voxel, x varying fastest
	Data []r3.Vec
}

// NewDisplacementField allocates a zero field on the given geometry
func NewDisplacementField(g Geometry) *DisplacementField {
	return &DisplacementField{
		Geometry: g.Clone(),
		Data:     make([]r3.Vec, g.Size.Len()),
	}
}

// FieldFromVolume converts a float3 or double3 volume into a displacement field
func FieldFromVolume(v *Volume) (*DisplacementField, error) {
	if !v.Valid() {
		return nil, ErrInvalidVolume
	}
	if v.Type != TypeFloat3 && v.Type != TypeDouble3 {
		return nil, fmt.Errorf("displacement field must be float3 or double3, got '%s'", v.Type)
	}
	f := NewDisplacementField(v.Geometry)
	for i := range f.Data {
		f.Data[i] = r3.Vec{X: v.At(i, 0), Y: v.At(i, 1), Z: v.At(i, 2)}
	}
	return f, nil
}

// Volume converts the field into a float3 volume, the exchange type for fields
func (f *DisplacementField) Volume() *Volume {
	v := NewVolumeLike(f.Geometry, TypeFloat3)
	for i, d := range f.Data {
		v.Set(i, 0, d.X)
		v.Set(i, 1, d.Y)
		v.Set(i, 2, d.Z)
	}
	return v
}

// At returns the displacement at (x, y, z) using border-replicate extension
func (f *DisplacementField) At(x, y, z int) r3.Vec {
	x, y, z = f.Clamp(x, y, z)
	return f.Data[f.Index(x, y, z)]
}

// Magnitudes returns the length of every displacement vector
func (f *DisplacementField) Magnitudes() []float64 {
	out := make([]float64, len(f.Data))
	for i, d := range f.Data {
		out[i] = r3.Norm(d)
	}
	return out
}
