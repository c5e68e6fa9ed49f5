package registration

import (
	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
)

// ValidateVolumeProperties checks that vol has exactly the same size, origin,
// spacing and direction as ref. Differences are compared exactly, without
// tolerance. The returned error names vol and quotes both values.
func ValidateVolumeProperties(vol, ref *models.Volume, name string) error {
	if vol.Size != ref.Size {
		return validationErrorf("Dimension mismatch for %s (size: %s, expected: %s)",
			name, vol.Size, ref.Size)
	}

	if nonzero(r3.Sub(vol.Origin, ref.Origin)) {
		return validationErrorf("Origin mismatch for %s (origin: %s, expected: %s)",
			name, models.FormatVec(vol.Origin), models.FormatVec(ref.Origin))
	}

	if nonzero(r3.Sub(vol.Spacing, ref.Spacing)) {
		return validationErrorf("Spacing mismatch for %s (spacing: %s, expected: %s)",
			name, models.FormatVec(vol.Spacing), models.FormatVec(ref.Spacing))
	}

	if !vol.SameDirection(ref.Geometry) {
		return validationErrorf("Direction mismatch for %s (direction: %s, expected: %s)",
			name, vol.DirectionString(), ref.DirectionString())
	}

	return nil
}

func nonzero(v r3.Vec) bool {
	return v.X != 0 || v.Y != 0 || v.Z != 0
}
