package registration

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
	"deform/pkg/config"
)

// Engine computes a dense deformation field from validated input. Every
// setter is called at most once per run, and Execute is called exactly once
// after all applicable setters.
//
// Implementations may assume that all volumes passed to them already share
// the geometry of their role.
type Engine interface {
	// SetImagePair registers the fixed and moving volume of slot i
	SetImagePair(i int, fixed, moving *models.Volume)

	// SetFixedMask restricts the fixed-space region of interest
	SetFixedMask(mask *models.Volume)

	// SetMovingMask restricts the moving-space region of interest
	SetMovingMask(mask *models.Volume)

	// SetInitialDeformation provides a starting guess for the field
	SetInitialDeformation(field *models.Volume)

	// SetVoxelConstraints fixes the displacement at every nonzero mask voxel
	SetVoxelConstraints(mask, values *models.Volume)

	// SetLandmarks provides corresponding world points in fixed and moving space
	SetLandmarks(fixed, moving []r3.Vec)

	// Execute runs the registration and returns a float3 deformation field
	// on the fixed geometry
	Execute() (*models.Volume, error)
}

// EngineFactory creates an engine for one run
type EngineFactory func(settings *config.Settings, logger *slog.Logger) (Engine, error)

// backends lists the engine implementations compiled into this build
var backends = map[config.Backend]EngineFactory{
	config.BackendCPU: newCPUEngine,
}

// NewEngine creates the engine selected by settings.Backend
func NewEngine(settings *config.Settings, logger *slog.Logger) (Engine, error) {
	factory, ok := backends[settings.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, settings.Backend)
	}
	return factory(settings, logger)
}
