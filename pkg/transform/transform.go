// Package transform resamples a moving volume through a displacement field
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
	"deform/pkg/parallel"
)

// Interpolator selects how moving voxels are sampled
type Interpolator int

const (
	Linear Interpolator = iota
	NearestNeighbor
)

// ParseInterpolator converts "linear" or "nearest" into an Interpolator
func ParseInterpolator(name string) (Interpolator, error) {
	switch name {
	case "linear", "":
		return Linear, nil
	case "nearest", "nn":
		return NearestNeighbor, nil
	}
	return Linear, fmt.Errorf("unknown interpolator %q (must be linear or nearest)", name)
}

// Warp resamples the single-channel moving volume onto the grid of field.
// Output voxel p takes the moving value at world(p) + u(p); samples outside
// the moving volume are 0. The result has the voxel type of moving.
func Warp(moving *models.Volume, field *models.DisplacementField, interp Interpolator) (*models.Volume, error) {
	if !moving.Valid() {
		return nil, models.ErrInvalidVolume
	}
	if moving.Type.Channels() != 1 {
		return nil, fmt.Errorf("warp requires a single-channel volume, got '%s'", moving.Type)
	}

	fixedMap, err := models.NewMapper(field.Geometry)
	if err != nil {
		return nil, fmt.Errorf("field geometry: %w", err)
	}
	movingMap, err := models.NewMapper(moving.Geometry)
	if err != nil {
		return nil, fmt.Errorf("moving geometry: %w", err)
	}

	out := models.NewVolumeLike(field.Geometry, moving.Type)
	g := field.Geometry

	err = parallel.Slices(g.Size.Z, func(z int) error {
		for y := 0; y < g.Size.Y; y++ {
			for x := 0; x < g.Size.X; x++ {
				i := g.Index(x, y, z)
				world := fixedMap.IndexToWorld(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
				p := movingMap.WorldToIndex(r3.Add(world, field.Data[i]))

				var v float64
				if interp == NearestNeighbor {
					v = sampleNearest(moving, p)
				} else {
					v = sampleLinear(moving, p)
				}
				out.Set(i, 0, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func sampleNearest(v *models.Volume, p r3.Vec) float64 {
	x, y, z := int(math.Round(p.X)), int(math.Round(p.Y)), int(math.Round(p.Z))
	if !v.Contains(x, y, z) {
		return 0
	}
	return v.At(v.Index(x, y, z), 0)
}

// sampleLinear interpolates trilinearly; corners outside the grid count as 0
func sampleLinear(v *models.Volume, p r3.Vec) float64 {
	if p.X < -1 || p.Y < -1 || p.Z < -1 ||
		p.X > float64(v.Size.X) || p.Y > float64(v.Size.Y) || p.Z > float64(v.Size.Z) {
		return 0
	}

	x0, y0, z0 := int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z))
	fx, fy, fz := p.X-float64(x0), p.Y-float64(y0), p.Z-float64(z0)

	at := func(x, y, z int) float64 {
		if !v.Contains(x, y, z) {
			return 0
		}
		return v.At(v.Index(x, y, z), 0)
	}

	c00 := at(x0, y0, z0)*(1-fx) + at(x0+1, y0, z0)*fx
	c10 := at(x0, y0+1, z0)*(1-fx) + at(x0+1, y0+1, z0)*fx
	c01 := at(x0, y0, z0+1)*(1-fx) + at(x0+1, y0, z0+1)*fx
	c11 := at(x0, y0+1, z0+1)*(1-fx) + at(x0+1, y0+1, z0+1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}
