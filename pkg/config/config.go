// Package config provides settings loading and management for deform.
// It handles loading settings from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend selects the registration engine implementation at runtime
type Backend string

const (
	BackendCPU Backend = "cpu"
	BackendGPU Backend = "gpu"
)

// DefaultMaxImagePairs is the maximum number of fixed/moving pairs per run
const DefaultMaxImagePairs = 8

// ImageSlot holds the per-pair configuration of one fixed/moving channel
type ImageSlot struct {
	// Name is an optional label used in log output
	Name string `yaml:"name,omitempty"`

	// Normalize rescales both volumes of the pair into [0, 1] before registration
	Normalize bool `yaml:"normalize"`
}

// UnmarshalYAML decodes a slot on top of DefaultImageSlot, so keys left out
// of the file keep their defaults
func (s *ImageSlot) UnmarshalYAML(value *yaml.Node) error {
	type plain ImageSlot
	slot := plain(DefaultImageSlot())
	if err := value.Decode(&slot); err != nil {
		return err
	}
	*s = ImageSlot(slot)
	return nil
}

// Settings represents the registration configuration loaded from YAML
type Settings struct {
	// Backend chooses between the CPU and the accelerator-backed engine
	Backend Backend `yaml:"backend"`

	// NumThreads sets the degree of parallelism; values <= 0 keep the default
	NumThreads int `yaml:"num_threads"`

	// MaxImagePairs bounds the number of fixed/moving pairs accepted per run
	MaxImagePairs int `yaml:"max_image_pairs"`

	// ImageSlots configures each pair by index. Pairs without an entry use DefaultImageSlot.
	ImageSlots []ImageSlot `yaml:"image_slots"`

	// Regularization parameters
	Regularization struct {
		// Precision is the convergence threshold of the relaxation solver,
		// in the same units as the displacement values
		Precision float64 `yaml:"precision"`
	} `yaml:"regularization"`

	// Features toggles optional engine behavior
	Features struct {
		// VoxelConstraints enables hard displacement constraints
		VoxelConstraints bool `yaml:"voxel_constraints"`

		// Landmarks enables landmark correspondences
		Landmarks bool `yaml:"landmarks"`

		// Benchmark logs the duration of each solver phase
		Benchmark bool `yaml:"benchmark"`
	} `yaml:"features"`

	// Debug parameters
	Debug struct {
		// Level 0 logs at info, anything higher logs at debug
		Level int `yaml:"level"`
	} `yaml:"debug"`
}

// DefaultImageSlot returns the configuration used for pairs without an explicit slot
func DefaultImageSlot() ImageSlot {
	return ImageSlot{Normalize: true}
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	s := &Settings{}

	s.Backend = BackendCPU
	s.NumThreads = 0
	s.MaxImagePairs = DefaultMaxImagePairs

	s.Regularization.Precision = 0.5

	s.Features.VoxelConstraints = true
	s.Features.Landmarks = true
	s.Features.Benchmark = false

	s.Debug.Level = 0

	return s
}

// Slot returns the configuration for pair i
func (s *Settings) Slot(i int) ImageSlot {
	if i >= 0 && i < len(s.ImageSlots) {
		return s.ImageSlots[i]
	}
	return DefaultImageSlot()
}

// Validate checks the settings for values the engine cannot run with
func (s *Settings) Validate() error {
	switch s.Backend {
	case BackendCPU, BackendGPU:
	default:
		return fmt.Errorf("unknown backend %q (must be %q or %q)", s.Backend, BackendCPU, BackendGPU)
	}
	if s.Regularization.Precision <= 0 {
		return fmt.Errorf("regularization precision must be positive, got %g", s.Regularization.Precision)
	}
	if s.MaxImagePairs < 0 {
		return fmt.Errorf("max_image_pairs must not be negative, got %d", s.MaxImagePairs)
	}
	return nil
}

// LoadSettings loads settings from a YAML file.
// If the file doesn't exist, it returns the default settings.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("error parsing settings file: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}

	return s, nil
}

// SaveSettings saves the settings to a YAML file
func SaveSettings(s *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating settings directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing settings file: %w", err)
	}

	return nil
}
