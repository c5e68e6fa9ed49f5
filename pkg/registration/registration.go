// Package registration validates deformable registration input and hands it
// to a registration engine.
//
// Rules enforced before the engine runs:
//   - All volumes of one subject (fixed or moving) share size, origin,
//     spacing and direction, compared exactly.
//   - The fixed and moving volume of a pair share the voxel type.
//   - Masks, the initial deformation and the constraints match the fixed
//     (or, for the moving mask, the moving) reference.
//   - Landmarks are given for both sides with equal counts, or not at all.
package registration

import (
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
	"deform/pkg/config"
	"deform/pkg/normalize"
	"deform/pkg/parallel"
)

// Input holds everything a registration run consumes. Nil optional fields
// are absent. For landmarks, a nil slice is absent while an empty non-nil
// slice is a supplied set of zero points.
type Input struct {
	// Fixed and Moving are the image pairs, paired by index
	Fixed  []*models.Volume
	Moving []*models.Volume

	FixedMask  *models.Volume
	MovingMask *models.Volume

	// FixedLandmarks and MovingLandmarks are corresponding world points
	FixedLandmarks  []r3.Vec
	MovingLandmarks []r3.Vec

	// InitialDeformation is a float3 or double3 starting field
	InitialDeformation *models.Volume

	// ConstraintMask marks constrained voxels (nonzero) and ConstraintValues
	// holds their required displacement
	ConstraintMask   *models.Volume
	ConstraintValues *models.Volume

	// NumThreads sets the degree of parallelism when positive
	NumThreads int
}

// Pipeline validates input and runs a registration engine
type Pipeline struct {
	settings *config.Settings
	logger   *slog.Logger

	// newEngine creates the engine for each run
	newEngine EngineFactory
}

// NewPipeline creates a pipeline that selects its engine from settings.Backend
func NewPipeline(settings *config.Settings, logger *slog.Logger) *Pipeline {
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		settings:  settings,
		logger:    logger,
		newEngine: NewEngine,
	}
}

// Run validates in, feeds it to a fresh engine and returns the engine's
// deformation field unchanged. Validation failures are returned as
// *ValidationError before the engine executes. Caller volumes are never
// modified; normalization works on copies.
func (p *Pipeline) Run(in *Input) (*models.Volume, error) {
	if err := p.validateCounts(in); err != nil {
		validationErrors.WithLabelValues("inputs").Inc()
		return nil, err
	}

	p.logger.Info("Running registration", "pairs", len(in.Fixed), "backend", string(p.settings.Backend))

	if in.NumThreads > 0 {
		p.logger.Info("Number of threads", "threads", in.NumThreads)
		parallel.SetWorkers(in.NumThreads)
	}

	engine, err := p.newEngine(p.settings, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	fixedRef, movingRef, err := p.setImagePairs(engine, in)
	if err != nil {
		validationErrors.WithLabelValues("images").Inc()
		return nil, err
	}

	if err := p.setMasks(engine, in, fixedRef, movingRef); err != nil {
		validationErrors.WithLabelValues("masks").Inc()
		return nil, err
	}

	if err := p.setInitialDeformation(engine, in, fixedRef); err != nil {
		validationErrors.WithLabelValues("initial_deformation").Inc()
		return nil, err
	}

	if err := p.setConstraints(engine, in, fixedRef); err != nil {
		validationErrors.WithLabelValues("constraints").Inc()
		return nil, err
	}

	if err := p.setLandmarks(engine, in); err != nil {
		validationErrors.WithLabelValues("landmarks").Inc()
		return nil, err
	}

	start := time.Now()
	def, err := engine.Execute()
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	elapsed := time.Since(start)
	registrationDuration.Observe(elapsed.Seconds())

	seconds := int(elapsed.Round(time.Second).Seconds())
	p.logger.Info(fmt.Sprintf("Registration completed in %d:%02d", seconds/60, seconds%60))

	return def, nil
}

func (p *Pipeline) validateCounts(in *Input) error {
	if in == nil {
		return validationErrorf("No registration input given")
	}
	if len(in.Fixed) != len(in.Moving) {
		return validationErrorf("Number of fixed and moving volumes must match (fixed: %d, moving: %d)",
			len(in.Fixed), len(in.Moving))
	}
	if len(in.Fixed) == 0 {
		return validationErrorf("At least one image pair is required")
	}
	if limit := p.settings.MaxImagePairs; limit > 0 && len(in.Fixed) > limit {
		return validationErrorf("Too many image pairs (%d, maximum: %d)", len(in.Fixed), limit)
	}
	return nil
}

// setImagePairs validates every pair, normalizes when the slot asks for it
// and registers the pair with the engine. The first pair becomes the fixed
// and moving reference.
func (p *Pipeline) setImagePairs(engine Engine, in *Input) (fixedRef, movingRef *models.Volume, err error) {
	for i := range in.Fixed {
		fixed := in.Fixed[i]
		if !fixed.Valid() {
			return nil, nil, validationErrorf("Invalid fixed volume at index %d", i)
		}
		moving := in.Moving[i]
		if !moving.Valid() {
			return nil, nil, validationErrorf("Invalid moving volume at index %d", i)
		}

		if fixed.Type != moving.Type {
			return nil, nil, validationErrorf(
				"Mismatch in voxel type between pairs at index %d, fixed type '%s', moving type '%s'.",
				i, fixed.Type, moving.Type)
		}

		if fixedRef == nil {
			fixedRef = fixed
			movingRef = moving
		} else {
			if err := ValidateVolumeProperties(fixed, fixedRef, fmt.Sprintf("fixed%d", i)); err != nil {
				return nil, nil, err
			}
			if err := ValidateVolumeProperties(moving, movingRef, fmt.Sprintf("moving%d", i)); err != nil {
				return nil, nil, err
			}
		}

		if p.settings.Slot(i).Normalize {
			if fixed.Type != models.TypeFloat && fixed.Type != models.TypeDouble {
				return nil, nil, validationErrorf("Normalize only supported on volumes of type float or double")
			}
			if fixed, err = normalize.Range(fixed, 0, 1); err != nil {
				return nil, nil, fmt.Errorf("failed to normalize fixed volume %d: %w", i, err)
			}
			if moving, err = normalize.Range(moving, 0, 1); err != nil {
				return nil, nil, fmt.Errorf("failed to normalize moving volume %d: %w", i, err)
			}
		}

		engine.SetImagePair(i, fixed, moving)
	}

	return fixedRef, movingRef, nil
}

func (p *Pipeline) setMasks(engine Engine, in *Input, fixedRef, movingRef *models.Volume) error {
	if in.FixedMask != nil {
		if !in.FixedMask.Valid() {
			return validationErrorf("Invalid fixed mask")
		}
		if err := ValidateVolumeProperties(in.FixedMask, fixedRef, "fixed mask"); err != nil {
			return err
		}
		engine.SetFixedMask(in.FixedMask)
	}

	if in.MovingMask != nil {
		if !in.MovingMask.Valid() {
			return validationErrorf("Invalid moving mask")
		}
		if err := ValidateVolumeProperties(in.MovingMask, movingRef, "moving mask"); err != nil {
			return err
		}
		engine.SetMovingMask(in.MovingMask)
	}

	return nil
}

func (p *Pipeline) setInitialDeformation(engine Engine, in *Input, fixedRef *models.Volume) error {
	if in.InitialDeformation == nil {
		return nil
	}

	def := in.InitialDeformation
	if !def.Valid() {
		return validationErrorf("Invalid initial deformation volume")
	}
	if def.Type.Channels() != 3 || def.Type.Kind() == models.KindUChar {
		return validationErrorf("Initial deformation must be a float3 or double3 volume, got '%s'", def.Type)
	}
	if err := ValidateVolumeProperties(def, fixedRef, "initial deformation field"); err != nil {
		return err
	}

	engine.SetInitialDeformation(def)
	return nil
}

func (p *Pipeline) setConstraints(engine Engine, in *Input, fixedRef *models.Volume) error {
	if in.ConstraintMask == nil && in.ConstraintValues == nil {
		return nil
	}
	if in.ConstraintMask == nil || in.ConstraintValues == nil {
		return validationErrorf("Constraint mask and values must be specified together")
	}

	if !in.ConstraintMask.Valid() {
		return validationErrorf("Invalid constraint mask volume")
	}
	if !in.ConstraintValues.Valid() {
		return validationErrorf("Invalid constraint values volume")
	}
	if t := in.ConstraintValues.Type; t.Channels() != 3 || t.Kind() == models.KindUChar {
		return validationErrorf("Constraint values must be a float3 or double3 volume, got '%s'", t)
	}

	if err := ValidateVolumeProperties(in.ConstraintMask, fixedRef, "constraint mask"); err != nil {
		return err
	}
	if err := ValidateVolumeProperties(in.ConstraintValues, fixedRef, "constraint values"); err != nil {
		return err
	}

	engine.SetVoxelConstraints(in.ConstraintMask, in.ConstraintValues)
	return nil
}

func (p *Pipeline) setLandmarks(engine Engine, in *Input) error {
	if in.FixedLandmarks == nil && in.MovingLandmarks == nil {
		return nil
	}
	if in.FixedLandmarks == nil || in.MovingLandmarks == nil {
		return validationErrorf("Landmarks must be specified for both fixed and moving")
	}
	if len(in.FixedLandmarks) != len(in.MovingLandmarks) {
		return validationErrorf("The number of fixed and moving landmarks must match")
	}

	engine.SetLandmarks(in.FixedLandmarks, in.MovingLandmarks)
	return nil
}
