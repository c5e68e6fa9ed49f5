// Package normalize rescales volume intensities into a target range
package normalize

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"deform/internal/models"
)

// Range returns a copy of vol whose voxel values are linearly mapped so that
// the minimum becomes lo and the maximum becomes hi. Only single-channel
// float and double volumes are supported. A constant volume maps to lo.
func Range(vol *models.Volume, lo, hi float64) (*models.Volume, error) {
	if vol.Type != models.TypeFloat && vol.Type != models.TypeDouble {
		return nil, fmt.Errorf("normalize requires a float or double volume, got '%s'", vol.Type)
	}

	values := vol.Scalars()
	if len(values) == 0 {
		return vol.Clone(), nil
	}

	minVal := floats.Min(values)
	maxVal := floats.Max(values)

	if maxVal > minVal {
		floats.AddConst(-minVal, values)
		floats.Scale((hi-lo)/(maxVal-minVal), values)
		floats.AddConst(lo, values)
	} else {
		for i := range values {
			values[i] = lo
		}
	}

	out := vol.Clone()
	for i, v := range values {
		out.Set(i, 0, v)
	}
	return out, nil
}
