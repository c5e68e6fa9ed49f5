package registration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"deform/internal/models"
	"deform/pkg/config"
	"deform/pkg/regularize"
)

type imagePair struct {
	fixed, moving *models.Volume
}

// cpuEngine produces a deformation field by interpolating hard constraints
// and landmark correspondences over the fixed grid with the regularizer.
type cpuEngine struct {
	settings *config.Settings
	logger   *slog.Logger

	pairs map[int]imagePair

	fixedMask  *models.Volume
	movingMask *models.Volume
	initial    *models.Volume

	constraintMask   *models.Volume
	constraintValues *models.Volume

	fixedLandmarks  []r3.Vec
	movingLandmarks []r3.Vec
}

func newCPUEngine(settings *config.Settings, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &cpuEngine{
		settings: settings,
		logger:   logger,
		pairs:    make(map[int]imagePair),
	}, nil
}

func (e *cpuEngine) SetImagePair(i int, fixed, moving *models.Volume) {
	e.pairs[i] = imagePair{fixed: fixed, moving: moving}
}

func (e *cpuEngine) SetFixedMask(mask *models.Volume) {
	e.fixedMask = mask
}

func (e *cpuEngine) SetMovingMask(mask *models.Volume) {
	e.movingMask = mask
}

func (e *cpuEngine) SetInitialDeformation(field *models.Volume) {
	e.initial = field
}

func (e *cpuEngine) SetVoxelConstraints(mask, values *models.Volume) {
	e.constraintMask = mask
	e.constraintValues = values
}

func (e *cpuEngine) SetLandmarks(fixed, moving []r3.Vec) {
	e.fixedLandmarks = fixed
	e.movingLandmarks = moving
}

func (e *cpuEngine) Execute() (*models.Volume, error) {
	if len(e.pairs) == 0 {
		return nil, errors.New("no image pairs set")
	}

	slots := make([]int, 0, len(e.pairs))
	for i := range e.pairs {
		slots = append(slots, i)
	}
	sort.Ints(slots)

	for _, i := range slots {
		p := e.pairs[i]
		fixedMean, fixedStd := stat.MeanStdDev(p.fixed.Scalars(), nil)
		movingMean, movingStd := stat.MeanStdDev(p.moving.Scalars(), nil)
		e.logger.Debug("image pair",
			"slot", i,
			"type", p.fixed.Type.String(),
			"fixed_mean", fixedMean, "fixed_std", fixedStd,
			"moving_mean", movingMean, "moving_std", movingStd)
	}
	if e.fixedMask != nil {
		e.logger.Debug("fixed mask", "coverage", coverage(e.fixedMask))
	}
	if e.movingMask != nil {
		e.logger.Debug("moving mask", "coverage", coverage(e.movingMask))
	}

	ref := e.pairs[slots[0]].fixed.Geometry

	field := models.NewDisplacementField(ref)
	if e.initial != nil {
		guess, err := models.FieldFromVolume(e.initial)
		if err != nil {
			return nil, fmt.Errorf("initial deformation: %w", err)
		}
		copy(field.Data, guess.Data)
	}

	mask := models.NewVolumeLike(ref, models.TypeUChar)
	values := models.NewDisplacementField(ref)

	constrained := 0
	if e.constraintMask != nil && e.settings.Features.VoxelConstraints {
		n, err := e.applyVoxelConstraints(mask, values)
		if err != nil {
			return nil, err
		}
		constrained += n
	}
	if len(e.fixedLandmarks) > 0 && e.settings.Features.Landmarks {
		n, err := e.applyLandmarks(ref, mask, values)
		if err != nil {
			return nil, err
		}
		constrained += n
	}

	if constrained == 0 {
		e.logger.Info("No constraints or landmarks, returning the starting field")
		return field.Volume(), nil
	}

	e.logger.Info("Regularizing deformation field", "constrained_voxels", constrained)

	solver := regularize.NewSolver(e.settings.Regularization.Precision)
	solver.Benchmark = e.settings.Features.Benchmark
	solver.Logger = e.logger

	if e.initial == nil {
		if err := solver.Initialize(field, mask, values); err != nil {
			return nil, fmt.Errorf("failed to initialize field: %w", err)
		}
	}
	if _, err := solver.Regularize(field, mask, values); err != nil {
		return nil, fmt.Errorf("failed to regularize field: %w", err)
	}

	return field.Volume(), nil
}

// applyVoxelConstraints copies the caller's constraints into the solver mask
func (e *cpuEngine) applyVoxelConstraints(mask *models.Volume, values *models.DisplacementField) (int, error) {
	cv, err := models.FieldFromVolume(e.constraintValues)
	if err != nil {
		return 0, fmt.Errorf("constraint values: %w", err)
	}

	n := 0
	for i := range values.Data {
		if e.constraintMask.Nonzero(i) {
			mask.Set(i, 0, 1)
			values.Data[i] = cv.Data[i]
			n++
		}
	}
	return n, nil
}

// applyLandmarks constrains the fixed voxel nearest to each fixed landmark to
// the displacement reaching its moving counterpart. Voxels that already carry
// a constraint keep it, and landmarks outside the grid are skipped.
func (e *cpuEngine) applyLandmarks(ref models.Geometry, mask *models.Volume, values *models.DisplacementField) (int, error) {
	mapper, err := models.NewMapper(ref)
	if err != nil {
		return 0, err
	}

	n := 0
	for k, fp := range e.fixedLandmarks {
		idx := mapper.WorldToIndex(fp)
		x, y, z := int(math.Round(idx.X)), int(math.Round(idx.Y)), int(math.Round(idx.Z))
		if !ref.Contains(x, y, z) {
			e.logger.Warn("Landmark outside fixed volume, skipping", "index", k, "point", models.FormatVec(fp))
			continue
		}

		i := ref.Index(x, y, z)
		if mask.Nonzero(i) {
			continue
		}
		mask.Set(i, 0, 1)
		values.Data[i] = r3.Sub(e.movingLandmarks[k], fp)
		n++
	}
	return n, nil
}

// coverage returns the fraction of nonzero voxels in a mask
func coverage(mask *models.Volume) float64 {
	set := make([]float64, mask.Size.Len())
	for i := range set {
		if mask.Nonzero(i) {
			set[i] = 1
		}
	}
	if len(set) == 0 {
		return 0
	}
	return floats.Sum(set) / float64(len(set))
}
