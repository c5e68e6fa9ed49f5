package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Dims holds the voxel grid dimensions of a volume
type Dims struct {
	X, Y, Z int
}

// Len returns the number of voxels in the grid
func (d Dims) Len() int {
	return d.X * d.Y * d.Z
}

// Empty reports whether any dimension is zero
func (d Dims) Empty() bool {
	return d.X <= 0 || d.Y <= 0 || d.Z <= 0
}

func (d Dims) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// Geometry describes how a voxel grid is placed in world space
type Geometry struct {
	// Size is the number of voxels along each axis
	Size Dims

	// Origin is the world position of voxel (0, 0, 0)
	Origin r3.Vec

	// Spacing is the physical size of a voxel along each axis
	Spacing r3.Vec

	// Direction is the 3x3 orientation matrix mapping index axes to world axes.
	// Columns are the world directions of the x, y and z index axes.
	Direction *mat.Dense
}

// NewGeometry returns a geometry with zero origin, unit spacing and identity direction
func NewGeometry(size Dims) Geometry {
	return Geometry{
		Size:      size,
		Spacing:   r3.Vec{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection(),
	}
}

// IdentityDirection returns a fresh 3x3 identity matrix
func IdentityDirection() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Index returns the linear offset of voxel (x, y, z), x varying fastest
func (g Geometry) Index(x, y, z int) int {
	return (z*g.Size.Y+y)*g.Size.X + x
}

// Contains reports whether (x, y, z) lies inside the grid
func (g Geometry) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Size.X && y < g.Size.Y && z < g.Size.Z
}

// Clamp returns the nearest in-grid coordinate, which is how border-replicate
// lookups resolve out-of-grid neighbors.
func (g Geometry) Clamp(x, y, z int) (int, int, int) {
	return clamp(x, g.Size.X), clamp(y, g.Size.Y), clamp(z, g.Size.Z)
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// Clone returns a deep copy of the geometry
func (g Geometry) Clone() Geometry {
	out := g
	if g.Direction != nil {
		out.Direction = mat.DenseCopyOf(g.Direction)
	}
	return out
}

// direction returns the direction matrix, treating nil as identity
func (g Geometry) direction() *mat.Dense {
	if g.Direction == nil {
		return IdentityDirection()
	}
	return g.Direction
}

// SameDirection reports whether both geometries have exactly equal direction matrices
func (g Geometry) SameDirection(o Geometry) bool {
	return mat.Equal(g.direction(), o.direction())
}

// DirectionString formats the direction matrix row by row
func (g Geometry) DirectionString() string {
	d := g.direction()
	rows := make([]string, 3)
	for i := 0; i < 3; i++ {
		rows[i] = fmt.Sprintf("(%g, %g, %g)", d.At(i, 0), d.At(i, 1), d.At(i, 2))
	}
	return "(" + strings.Join(rows, ", ") + ")"
}

// FormatVec formats a vector as (x, y, z)
func FormatVec(v r3.Vec) string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}

// Mapper converts between continuous voxel index coordinates and world
// coordinates of a geometry. The inverse direction is computed once.
type Mapper struct {
	geom Geometry
	dir  *mat.Dense
	inv  mat.Dense
}

// NewMapper prepares index/world conversion for g
func NewMapper(g Geometry) (*Mapper, error) {
	m := &Mapper{geom: g, dir: g.direction()}
	if err := m.inv.Inverse(m.dir); err != nil {
		return nil, fmt.Errorf("direction matrix is not invertible: %w", err)
	}
	return m, nil
}

// IndexToWorld maps a continuous index position to world space:
// world = origin + D * (index * spacing)
func (m *Mapper) IndexToWorld(p r3.Vec) r3.Vec {
	s := m.geom.Spacing
	in := mat.NewVecDense(3, []float64{p.X * s.X, p.Y * s.Y, p.Z * s.Z})
	var out mat.VecDense
	out.MulVec(m.dir, in)
	return r3.Add(m.geom.Origin, r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)})
}

// WorldToIndex maps a world position to continuous index space
func (m *Mapper) WorldToIndex(w r3.Vec) r3.Vec {
	d := r3.Sub(w, m.geom.Origin)
	var out mat.VecDense
	out.MulVec(&m.inv, mat.NewVecDense(3, []float64{d.X, d.Y, d.Z}))
	s := m.geom.Spacing
	return r3.Vec{X: out.AtVec(0) / s.X, Y: out.AtVec(1) / s.Y, Z: out.AtVec(2) / s.Z}
}
