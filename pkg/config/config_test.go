package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, BackendCPU, s.Backend)
	assert.Equal(t, DefaultMaxImagePairs, s.MaxImagePairs)
	assert.Equal(t, 0.5, s.Regularization.Precision)
	assert.True(t, s.Features.VoxelConstraints)
	assert.True(t, s.Features.Landmarks)
	require.NoError(t, s.Validate())
}

func TestSlotFallsBackToDefault(t *testing.T) {
	s := DefaultSettings()
	s.ImageSlots = []ImageSlot{{Name: "t1", Normalize: false}}

	assert.False(t, s.Slot(0).Normalize)
	assert.Equal(t, "t1", s.Slot(0).Name)
	assert.True(t, s.Slot(1).Normalize)
	assert.True(t, s.Slot(-1).Normalize)
}

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
backend: gpu
num_threads: 3
image_slots:
  - name: ct
    normalize: false
regularization:
  precision: 0.01
features:
  benchmark: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, BackendGPU, s.Backend)
	assert.Equal(t, 3, s.NumThreads)
	assert.Equal(t, 0.01, s.Regularization.Precision)
	assert.True(t, s.Features.Benchmark)
	assert.True(t, s.Features.VoxelConstraints, "unset keys keep their defaults")
	require.Len(t, s.ImageSlots, 1)
	assert.Equal(t, ImageSlot{Name: "ct", Normalize: false}, s.ImageSlots[0])
}

func TestLoadSettingsSlotKeepsDefaultNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "image_slots:\n  - name: t1\n  - name: seg\n    normalize: false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "t1", s.Slot(0).Name)
	assert.True(t, s.Slot(0).Normalize)
	assert.Equal(t, "seg", s.Slot(1).Name)
	assert.False(t, s.Slot(1).Normalize)
}

func TestLoadSettingsRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"backend":   "backend: tpu\n",
		"precision": "regularization:\n  precision: 0\n",
		"pairs":     "max_image_pairs: -1\n",
		"syntax":    "backend: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))

			_, err := LoadSettings(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s := DefaultSettings()
	s.NumThreads = 4
	s.ImageSlots = []ImageSlot{{Normalize: true}, {Normalize: false}}

	require.NoError(t, SaveSettings(s, path))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
