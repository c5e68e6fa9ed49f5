package volumeio

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// landmarkFile is the YAML layout of a landmark file:
//
//	points:
//	  - [x, y, z]
type landmarkFile struct {
	Points [][]float64 `yaml:"points"`
}

// ReadLandmarks loads world-space points from a YAML landmark file
func ReadLandmarks(path string) ([]r3.Vec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading landmark file: %w", err)
	}

	var lf landmarkFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("error parsing landmark file: %w", err)
	}

	points := make([]r3.Vec, len(lf.Points))
	for i, p := range lf.Points {
		if len(p) != 3 {
			return nil, fmt.Errorf("landmark %d in %s: expected 3 coordinates, got %d", i, path, len(p))
		}
		points[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return points, nil
}

// WriteLandmarks saves world-space points as a YAML landmark file
func WriteLandmarks(path string, points []r3.Vec) error {
	lf := landmarkFile{Points: make([][]float64, len(points))}
	for i, p := range points {
		lf.Points[i] = []float64{p.X, p.Y, p.Z}
	}

	data, err := yaml.Marshal(&lf)
	if err != nil {
		return fmt.Errorf("error marshaling landmarks: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
