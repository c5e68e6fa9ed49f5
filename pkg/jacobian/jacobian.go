// Package jacobian computes the Jacobian determinant of a displacement field.
// Values below or equal to zero mark voxels where the deformation folds.
package jacobian

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"deform/internal/models"
	"deform/pkg/parallel"
)

// Determinant returns det(I + du/dx) for every voxel as a double volume on
// the field's grid. Derivatives use central differences in physical units,
// one-sided at the borders.
func Determinant(field *models.DisplacementField) (*models.Volume, error) {
	g := field.Geometry
	out := models.NewVolumeLike(g, models.TypeDouble)

	err := parallel.Slices(g.Size.Z, func(z int) error {
		j := mat.NewDense(3, 3, nil)
		for y := 0; y < g.Size.Y; y++ {
			for x := 0; x < g.Size.X; x++ {
				dx := derivative(field, x, y, z, 1, 0, 0, g.Size.X, x, g.Spacing.X)
				dy := derivative(field, x, y, z, 0, 1, 0, g.Size.Y, y, g.Spacing.Y)
				dz := derivative(field, x, y, z, 0, 0, 1, g.Size.Z, z, g.Spacing.Z)

				j.SetCol(0, []float64{1 + dx.X, dx.Y, dx.Z})
				j.SetCol(1, []float64{dy.X, 1 + dy.Y, dy.Z})
				j.SetCol(2, []float64{dz.X, dz.Y, 1 + dz.Z})

				out.Set(g.Index(x, y, z), 0, mat.Det(j))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// derivative estimates du/d(axis) at (x, y, z); pos and n are the coordinate
// and grid size along that axis
func derivative(f *models.DisplacementField, x, y, z, ax, ay, az, n, pos int, spacing float64) r3.Vec {
	if n < 2 {
		return r3.Vec{}
	}
	lo, hi := pos-1, pos+1
	if lo < 0 {
		lo = pos
	}
	if hi >= n {
		hi = pos
	}
	step := float64(hi-lo) * spacing

	a := f.At(x+(lo-pos)*ax, y+(lo-pos)*ay, z+(lo-pos)*az)
	b := f.At(x+(hi-pos)*ax, y+(hi-pos)*ay, z+(hi-pos)*az)
	return r3.Scale(1/step, r3.Sub(b, a))
}

// Summary describes the distribution of Jacobian determinants
type Summary struct {
	Min, Max, Mean, StdDev float64

	// Folding is the number of voxels with a non-positive determinant
	Folding int
}

// Summarize computes statistics over a determinant volume
func Summarize(det *models.Volume) Summary {
	values := det.Scalars()
	if len(values) == 0 {
		return Summary{}
	}

	mean, std := stat.MeanStdDev(values, nil)
	s := Summary{
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Mean:   mean,
		StdDev: std,
	}
	for _, v := range values {
		if v <= 0 {
			s.Folding++
		}
	}
	return s
}
