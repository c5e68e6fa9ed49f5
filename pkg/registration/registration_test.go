package registration

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"pgregory.net/rapid"

	"deform/internal/models"
	"deform/pkg/config"
	"deform/pkg/parallel"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingEngine records the calls made by the pipeline
type recordingEngine struct {
	calls  []string
	pairs  map[int][2]*models.Volume
	result *models.Volume
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{
		pairs:  make(map[int][2]*models.Volume),
		result: models.NewVolume(models.Dims{X: 1, Y: 1, Z: 1}, models.TypeFloat3),
	}
}

func (e *recordingEngine) SetImagePair(i int, fixed, moving *models.Volume) {
	e.calls = append(e.calls, fmt.Sprintf("pair%d", i))
	e.pairs[i] = [2]*models.Volume{fixed, moving}
}
func (e *recordingEngine) SetFixedMask(*models.Volume)  { e.calls = append(e.calls, "fixed mask") }
func (e *recordingEngine) SetMovingMask(*models.Volume) { e.calls = append(e.calls, "moving mask") }
func (e *recordingEngine) SetInitialDeformation(*models.Volume) {
	e.calls = append(e.calls, "initial deformation")
}
func (e *recordingEngine) SetVoxelConstraints(_, _ *models.Volume) {
	e.calls = append(e.calls, "constraints")
}
func (e *recordingEngine) SetLandmarks(_, _ []r3.Vec) { e.calls = append(e.calls, "landmarks") }
func (e *recordingEngine) Execute() (*models.Volume, error) {
	e.calls = append(e.calls, "execute")
	return e.result, nil
}

func testSettings(normalize bool) *config.Settings {
	s := config.DefaultSettings()
	s.ImageSlots = make([]config.ImageSlot, config.DefaultMaxImagePairs)
	for i := range s.ImageSlots {
		s.ImageSlots[i].Normalize = normalize
	}
	return s
}

func newTestPipeline(settings *config.Settings) (*Pipeline, *recordingEngine) {
	engine := newRecordingEngine()
	p := NewPipeline(settings, testLogger)
	p.newEngine = func(*config.Settings, *slog.Logger) (Engine, error) {
		return engine, nil
	}
	return p, engine
}

// ramp creates a volume whose channel 0 increases with the voxel index
func ramp(size models.Dims, typ models.VoxelType) *models.Volume {
	v := models.NewVolume(size, typ)
	for i := 0; i < size.Len(); i++ {
		v.Set(i, 0, float64(i%7))
	}
	return v
}

var cube = models.Dims{X: 4, Y: 4, Z: 4}

func requireValidationError(t require.TestingT, err error, contains ...string) {
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	for _, c := range contains {
		require.Contains(t, verr.Error(), c)
	}
}

func TestValidateVolumePropertiesIdentical(t *testing.T) {
	a := ramp(cube, models.TypeFloat)
	b := a.Clone()
	assert.NoError(t, ValidateVolumeProperties(b, a, "other"))
}

func TestValidateVolumePropertiesSingleAttribute(t *testing.T) {
	tests := []struct {
		name   string
		modify func(v *models.Volume)
		want   string
	}{
		{"size", func(v *models.Volume) { v.Size = models.Dims{X: 4, Y: 4, Z: 5} }, "Dimension mismatch for vol"},
		{"origin", func(v *models.Volume) { v.Origin = r3.Vec{X: 0.5} }, "Origin mismatch for vol"},
		{"spacing", func(v *models.Volume) { v.Spacing = r3.Vec{X: 1, Y: 1, Z: 2} }, "Spacing mismatch for vol"},
		{"direction", func(v *models.Volume) { v.Direction.Set(0, 1, 1e-12) }, "Direction mismatch for vol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := ramp(cube, models.TypeFloat)
			vol := ref.Clone()
			tt.modify(vol)

			err := ValidateVolumeProperties(vol, ref, "vol")
			requireValidationError(t, err, tt.want)
		})
	}
}

func TestValidateVolumePropertiesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ref := models.NewVolume(models.Dims{
			X: rapid.IntRange(1, 6).Draw(rt, "nx"),
			Y: rapid.IntRange(1, 6).Draw(rt, "ny"),
			Z: rapid.IntRange(1, 6).Draw(rt, "nz"),
		}, models.TypeFloat)
		ref.Origin = r3.Vec{X: rapid.Float64Range(-100, 100).Draw(rt, "ox")}
		ref.Spacing = r3.Vec{X: 1, Y: rapid.Float64Range(0.1, 5).Draw(rt, "sy"), Z: 1}

		vol := ref.Clone()
		delta := rapid.Float64Range(0.001, 10).Draw(rt, "delta")

		attr := rapid.SampledFrom([]string{"Dimension", "Origin", "Spacing", "Direction"}).Draw(rt, "attr")
		switch attr {
		case "Dimension":
			vol.Size.Z++
		case "Origin":
			vol.Origin.Z += delta
		case "Spacing":
			vol.Spacing.X += delta
		case "Direction":
			vol.Direction.Set(2, 0, delta)
		}

		err := ValidateVolumeProperties(vol, ref, "moving3")
		requireValidationError(rt, err, attr+" mismatch for moving3")
	})
}

func TestScenarioVoxelTypeMismatch(t *testing.T) {
	p, engine := newTestPipeline(testSettings(false))

	in := &Input{
		Fixed:  []*models.Volume{ramp(cube, models.TypeFloat), ramp(cube, models.TypeFloat)},
		Moving: []*models.Volume{ramp(cube, models.TypeFloat), ramp(cube, models.TypeDouble)},
	}

	_, err := p.Run(in)
	requireValidationError(t, err,
		"Mismatch in voxel type", "index 1", "fixed type 'float'", "moving type 'double'")
	assert.NotContains(t, engine.calls, "execute")
}

func TestScenarioOriginMismatch(t *testing.T) {
	p, engine := newTestPipeline(testSettings(false))

	second := ramp(cube, models.TypeFloat)
	second.Origin = r3.Vec{X: 1}

	in := &Input{
		Fixed:  []*models.Volume{ramp(cube, models.TypeFloat), second},
		Moving: []*models.Volume{ramp(cube, models.TypeFloat), ramp(cube, models.TypeFloat)},
	}

	_, err := p.Run(in)
	requireValidationError(t, err, "Origin mismatch for fixed1", "(1, 0, 0)", "(0, 0, 0)")
	assert.NotContains(t, engine.calls, "execute")
}

func TestVoxelTypeMismatchAnySlot(t *testing.T) {
	types := []models.VoxelType{
		models.TypeUChar, models.TypeFloat, models.TypeDouble,
		models.TypeFloat3, models.TypeDouble2, models.TypeUChar4,
	}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, config.DefaultMaxImagePairs).Draw(rt, "slots")
		bad := rapid.IntRange(0, n-1).Draw(rt, "bad")
		fixedType := rapid.SampledFrom(types).Draw(rt, "fixed")
		movingType := rapid.SampledFrom(types).
			Filter(func(t models.VoxelType) bool { return t != fixedType }).
			Draw(rt, "moving")

		in := &Input{}
		for i := 0; i < n; i++ {
			ft, mt := models.TypeFloat, models.TypeFloat
			if i == bad {
				ft, mt = fixedType, movingType
			}
			in.Fixed = append(in.Fixed, ramp(cube, ft))
			in.Moving = append(in.Moving, ramp(cube, mt))
		}

		p, _ := newTestPipeline(testSettings(false))
		_, err := p.Run(in)
		requireValidationError(rt, err,
			fmt.Sprintf("index %d,", bad),
			fmt.Sprintf("fixed type '%s'", fixedType),
			fmt.Sprintf("moving type '%s'", movingType))
	})
}

func TestLandmarkSymmetry(t *testing.T) {
	points := rapid.SliceOfN(rapid.Custom(func(rt *rapid.T) r3.Vec {
		return r3.Vec{
			X: rapid.Float64Range(0, 3).Draw(rt, "x"),
			Y: rapid.Float64Range(0, 3).Draw(rt, "y"),
			Z: rapid.Float64Range(0, 3).Draw(rt, "z"),
		}
	}), 0, 10)

	newInput := func() *Input {
		return &Input{
			Fixed:  []*models.Volume{ramp(cube, models.TypeFloat)},
			Moving: []*models.Volume{ramp(cube, models.TypeFloat)},
		}
	}

	t.Run("one side only", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			pts := points.Draw(rt, "points")
			if pts == nil {
				pts = []r3.Vec{}
			}
			in := newInput()
			if rapid.Bool().Draw(rt, "fixedSide") {
				in.FixedLandmarks = pts
			} else {
				in.MovingLandmarks = pts
			}

			p, _ := newTestPipeline(testSettings(false))
			_, err := p.Run(in)
			requireValidationError(rt, err, "Landmarks must be specified for both fixed and moving")
		})
	})

	t.Run("unequal lengths", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			fixed := points.Draw(rt, "fixed")
			moving := points.Filter(func(m []r3.Vec) bool { return len(m) != len(fixed) }).Draw(rt, "moving")

			in := newInput()
			in.FixedLandmarks = append([]r3.Vec{}, fixed...)
			in.MovingLandmarks = append([]r3.Vec{}, moving...)

			p, _ := newTestPipeline(testSettings(false))
			_, err := p.Run(in)
			requireValidationError(rt, err, "The number of fixed and moving landmarks must match")
		})
	})

	t.Run("equal lengths", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			fixed := points.Draw(rt, "fixed")
			moving := make([]r3.Vec, len(fixed))

			in := newInput()
			in.FixedLandmarks = append([]r3.Vec{}, fixed...)
			in.MovingLandmarks = moving

			p, engine := newTestPipeline(testSettings(false))
			_, err := p.Run(in)
			require.NoError(rt, err)
			require.Contains(rt, engine.calls, "landmarks")
		})
	})
}

func TestRunCallOrderAndResult(t *testing.T) {
	p, engine := newTestPipeline(testSettings(false))

	fixed := ramp(cube, models.TypeFloat)
	moving := ramp(models.Dims{X: 5, Y: 5, Z: 5}, models.TypeFloat)
	moving.Spacing = r3.Vec{X: 2, Y: 2, Z: 2}
	movingMask := models.NewVolumeLike(moving.Geometry, models.TypeUChar)

	in := &Input{
		Fixed:              []*models.Volume{fixed, fixed.Clone()},
		Moving:             []*models.Volume{moving, moving.Clone()},
		FixedMask:          models.NewVolumeLike(fixed.Geometry, models.TypeUChar),
		MovingMask:         movingMask,
		InitialDeformation: models.NewVolumeLike(fixed.Geometry, models.TypeFloat3),
		ConstraintMask:     models.NewVolumeLike(fixed.Geometry, models.TypeUChar),
		ConstraintValues:   models.NewVolumeLike(fixed.Geometry, models.TypeDouble3),
		FixedLandmarks:     []r3.Vec{{X: 1}},
		MovingLandmarks:    []r3.Vec{{X: 2}},
	}

	def, err := p.Run(in)
	require.NoError(t, err)

	assert.Same(t, engine.result, def)
	assert.Equal(t, []string{
		"pair0", "pair1", "fixed mask", "moving mask",
		"initial deformation", "constraints", "landmarks", "execute",
	}, engine.calls)
}

func TestRunOptionalInputsAbsent(t *testing.T) {
	p, engine := newTestPipeline(testSettings(false))

	_, err := p.Run(&Input{
		Fixed:  []*models.Volume{ramp(cube, models.TypeUChar)},
		Moving: []*models.Volume{ramp(cube, models.TypeUChar)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pair0", "execute"}, engine.calls)
}

func TestRunNormalizesCopies(t *testing.T) {
	p, engine := newTestPipeline(testSettings(true))

	fixed := ramp(cube, models.TypeDouble)
	moving := ramp(cube, models.TypeDouble)
	original := fixed.Scalars()

	_, err := p.Run(&Input{
		Fixed:  []*models.Volume{fixed},
		Moving: []*models.Volume{moving},
	})
	require.NoError(t, err)

	assert.Equal(t, original, fixed.Scalars(), "caller volume must not change")

	got := engine.pairs[0]
	for _, v := range got {
		values := v.Scalars()
		assert.InDelta(t, 0, floats.Min(values), 1e-12)
		assert.InDelta(t, 1, floats.Max(values), 1e-12)
	}
}

func TestRunNormalizeUnsupportedType(t *testing.T) {
	p, _ := newTestPipeline(testSettings(true))

	_, err := p.Run(&Input{
		Fixed:  []*models.Volume{ramp(cube, models.TypeUChar)},
		Moving: []*models.Volume{ramp(cube, models.TypeUChar)},
	})
	requireValidationError(t, err, "Normalize only supported on volumes of type float or double")
}

func TestRunValidationErrors(t *testing.T) {
	shifted := func(typ models.VoxelType) *models.Volume {
		v := models.NewVolume(cube, typ)
		v.Origin = r3.Vec{Y: 2}
		return v
	}

	tests := []struct {
		name   string
		modify func(in *Input)
		want   string
	}{
		{"count mismatch", func(in *Input) { in.Moving = append(in.Moving, ramp(cube, models.TypeFloat)) }, "Number of fixed and moving volumes must match"},
		{"no pairs", func(in *Input) { in.Fixed, in.Moving = nil, nil }, "At least one image pair is required"},
		{"too many pairs", func(in *Input) {
			for i := 0; i < config.DefaultMaxImagePairs; i++ {
				in.Fixed = append(in.Fixed, ramp(cube, models.TypeFloat))
				in.Moving = append(in.Moving, ramp(cube, models.TypeFloat))
			}
		}, "Too many image pairs"},
		{"invalid fixed", func(in *Input) { in.Fixed[0] = &models.Volume{} }, "Invalid fixed volume at index 0"},
		{"nil moving", func(in *Input) { in.Moving[0] = nil }, "Invalid moving volume at index 0"},
		{"moving size", func(in *Input) {
			in.Fixed = append(in.Fixed, ramp(cube, models.TypeFloat))
			in.Moving = append(in.Moving, ramp(models.Dims{X: 4, Y: 4, Z: 3}, models.TypeFloat))
		}, "Dimension mismatch for moving1"},
		{"invalid fixed mask", func(in *Input) { in.FixedMask = &models.Volume{} }, "Invalid fixed mask"},
		{"fixed mask origin", func(in *Input) { in.FixedMask = shifted(models.TypeUChar) }, "Origin mismatch for fixed mask"},
		{"invalid moving mask", func(in *Input) { in.MovingMask = &models.Volume{} }, "Invalid moving mask"},
		{"moving mask origin", func(in *Input) { in.MovingMask = shifted(models.TypeUChar) }, "Origin mismatch for moving mask"},
		{"invalid initial", func(in *Input) { in.InitialDeformation = &models.Volume{} }, "Invalid initial deformation volume"},
		{"initial type", func(in *Input) { in.InitialDeformation = models.NewVolume(cube, models.TypeFloat) }, "Initial deformation must be a float3 or double3 volume"},
		{"initial origin", func(in *Input) { in.InitialDeformation = shifted(models.TypeFloat3) }, "Origin mismatch for initial deformation field"},
		{"constraint mask only", func(in *Input) { in.ConstraintMask = models.NewVolume(cube, models.TypeUChar) }, "Constraint mask and values must be specified together"},
		{"constraint values only", func(in *Input) { in.ConstraintValues = models.NewVolume(cube, models.TypeFloat3) }, "Constraint mask and values must be specified together"},
		{"invalid constraint mask", func(in *Input) {
			in.ConstraintMask = &models.Volume{}
			in.ConstraintValues = models.NewVolume(cube, models.TypeFloat3)
		}, "Invalid constraint mask volume"},
		{"invalid constraint values", func(in *Input) {
			in.ConstraintMask = models.NewVolume(cube, models.TypeUChar)
			in.ConstraintValues = &models.Volume{}
		}, "Invalid constraint values volume"},
		{"constraint values origin", func(in *Input) {
			in.ConstraintMask = models.NewVolume(cube, models.TypeUChar)
			in.ConstraintValues = shifted(models.TypeFloat3)
		}, "Origin mismatch for constraint values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Input{
				Fixed:  []*models.Volume{ramp(cube, models.TypeFloat)},
				Moving: []*models.Volume{ramp(cube, models.TypeFloat)},
			}
			tt.modify(in)

			p, engine := newTestPipeline(testSettings(false))
			_, err := p.Run(in)
			requireValidationError(t, err, tt.want)
			assert.NotContains(t, engine.calls, "execute")
		})
	}
}

func TestRunNilInput(t *testing.T) {
	p, engine := newTestPipeline(testSettings(false))
	_, err := p.Run(nil)
	requireValidationError(t, err, "No registration input given")
	assert.Empty(t, engine.calls)
}

func TestRunCountsValidationErrors(t *testing.T) {
	counter := validationErrors.WithLabelValues("landmarks")
	before := testutil.ToFloat64(counter)

	p, _ := newTestPipeline(testSettings(false))
	_, err := p.Run(&Input{
		Fixed:          []*models.Volume{ramp(cube, models.TypeFloat)},
		Moving:         []*models.Volume{ramp(cube, models.TypeFloat)},
		FixedLandmarks: []r3.Vec{{}},
	})
	require.Error(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRunAppliesThreadHint(t *testing.T) {
	t.Cleanup(func() { parallel.SetWorkers(0) })

	p, _ := newTestPipeline(testSettings(false))
	_, err := p.Run(&Input{
		Fixed:      []*models.Volume{ramp(cube, models.TypeFloat)},
		Moving:     []*models.Volume{ramp(cube, models.TypeFloat)},
		NumThreads: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, parallel.Workers())
}

func TestRunUnavailableBackend(t *testing.T) {
	settings := testSettings(false)
	settings.Backend = config.BackendGPU

	_, err := NewPipeline(settings, testLogger).Run(&Input{
		Fixed:  []*models.Volume{ramp(cube, models.TypeFloat)},
		Moving: []*models.Volume{ramp(cube, models.TypeFloat)},
	})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}
