package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"deform/internal/models"
)

// Viewer renders slices of a scalar volume, such as displacement magnitudes
// or Jacobian determinants, as grayscale images
type Viewer struct {
	// values holds one scalar per voxel in x-fastest order
	values []float64

	size models.Dims

	// intensity window mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer whose intensity window spans the data range
func NewViewer(values []float64, size models.Dims) (*Viewer, error) {
	if len(values) != size.Len() {
		return nil, fmt.Errorf("got %d values for volume of size %s", len(values), size)
	}
	v := &Viewer{values: values, size: size}
	if len(values) > 0 {
		v.lo, v.hi = floats.Min(values), floats.Max(values)
	}
	return v, nil
}

// ViewerFromVolume creates a viewer over the first channel of vol
func ViewerFromVolume(vol *models.Volume) (*Viewer, error) {
	if !vol.Valid() {
		return nil, models.ErrInvalidVolume
	}
	return NewViewer(vol.Scalars(), vol.Size)
}

// ViewerFromField creates a viewer over the displacement magnitude
func ViewerFromField(field *models.DisplacementField) (*Viewer, error) {
	return NewViewer(field.Magnitudes(), field.Size)
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

func (v *Viewer) gray(idx int) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (v.values[idx] - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice along the given axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16
	sx, sy := v.size.X, v.size.X*v.size.Y

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.size.X {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.size.X)
		}
		img = image.NewGray16(image.Rect(0, 0, v.size.Z, v.size.Y))
		for y := 0; y < v.size.Y; y++ {
			for z := 0; z < v.size.Z; z++ {
				img.SetGray16(z, y, v.gray(z*sy+y*sx+position))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.size.Y {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.size.Y)
		}
		img = image.NewGray16(image.Rect(0, 0, v.size.X, v.size.Z))
		for z := 0; z < v.size.Z; z++ {
			for x := 0; x < v.size.X; x++ {
				img.SetGray16(x, z, v.gray(z*sy+position*sx+x))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.size.Z {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.size.Z)
		}
		img = image.NewGray16(image.Rect(0, 0, v.size.X, v.size.Y))
		for y := 0; y < v.size.Y; y++ {
			for x := 0; x < v.size.X; x++ {
				img.SetGray16(x, y, v.gray(position*sy+y*sx+x))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence writes every slice along axis to outputDir as
// slice_<axis>_NNN.jpg
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var n int
	switch axis {
	case "x", "X":
		n = v.size.X
	case "y", "Y":
		n = v.size.Y
	case "z", "Z":
		n = v.size.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
