package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
)

const (
	ScalerStandard = "standard"
	ScalerMinMax   = "minmax"
)

// StandardScaler centres each column on its training mean and divides by its
// training standard deviation.
type StandardScaler struct {
	featureNames []string
	mean         []float64
	scale        []float64
}

// MinMaxScaler maps each column onto [0,1] using the training min and max.
type MinMaxScaler struct {
	featureNames []string
	mins         []float64
	maxs         []float64
}

type scalerArtifact struct {
	Type         string    `json:"type"`
	FeatureNames []string  `json:"feature_names,omitempty"`
	Mean         []float64 `json:"mean,omitempty"`
	Scale        []float64 `json:"scale,omitempty"`
	Min          []float64 `json:"min,omitempty"`
	Max          []float64 `json:"max,omitempty"`
}

func FitStandardScaler(featureNames []string, rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("rows is empty")
	}
	width := len(rows[0])
	if len(featureNames) > 0 && len(featureNames) != width {
		return nil, fmt.Errorf("%d feature names for %d columns", len(featureNames), width)
	}
	mean := make([]float64, width)
	scale := make([]float64, width)
	for _, row := range rows {
		if len(row) != width {
			return nil, errors.New("rows have different widths")
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	n := float64(len(rows))
	for i := range mean {
		mean[i] /= n
	}
	for _, row := range rows {
		for i, v := range row {
			d := v - mean[i]
			scale[i] += d * d
		}
	}
	for i := range scale {
		scale[i] = math.Sqrt(scale[i] / n)
		if scale[i] == 0 {
			scale[i] = 1
		}
	}
	return &StandardScaler{featureNames: slices.Clone(featureNames), mean: mean, scale: scale}, nil
}

func (s *StandardScaler) Transform(row []float64) ([]float64, error) {
	if len(row) != len(s.mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.mean), len(row))
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - s.mean[i]) / s.scale[i]
	}
	return out, nil
}

func (s *StandardScaler) FeatureNames() []string { return slices.Clone(s.featureNames) }

func (s *StandardScaler) Save(path string) error {
	return writeJSON(path, scalerArtifact{
		Type:         ScalerStandard,
		FeatureNames: s.featureNames,
		Mean:         s.mean,
		Scale:        s.scale,
	})
}

func (s *MinMaxScaler) Transform(row []float64) ([]float64, error) {
	return NormalizeVector(row, s.mins, s.maxs)
}

func (s *MinMaxScaler) FeatureNames() []string { return slices.Clone(s.featureNames) }

func NormalizeFeature(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (value - min) / (max - min)
}

func NormalizeVector(values []float64, mins []float64, maxs []float64) ([]float64, error) {
	if len(values) != len(mins) || len(values) != len(maxs) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(mins), len(values))
	}
	result := make([]float64, len(values))
	for i := range values {
		result[i] = NormalizeFeature(values[i], mins[i], maxs[i])
	}
	return result, nil
}

func decodeScaler(payload []byte) (Scaler, error) {
	var artifact scalerArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, err
	}
	switch artifact.Type {
	case ScalerStandard, "":
		if len(artifact.Mean) == 0 || len(artifact.Mean) != len(artifact.Scale) {
			return nil, errors.New("standard scaler needs mean and scale of equal length")
		}
		for i, s := range artifact.Scale {
			if s == 0 {
				return nil, fmt.Errorf("zero scale for column %d", i)
			}
		}
		if err := checkNames(artifact.FeatureNames, len(artifact.Mean)); err != nil {
			return nil, err
		}
		return &StandardScaler{featureNames: artifact.FeatureNames, mean: artifact.Mean, scale: artifact.Scale}, nil
	case ScalerMinMax:
		if len(artifact.Min) == 0 || len(artifact.Min) != len(artifact.Max) {
			return nil, errors.New("minmax scaler needs min and max of equal length")
		}
		if err := checkNames(artifact.FeatureNames, len(artifact.Min)); err != nil {
			return nil, err
		}
		return &MinMaxScaler{featureNames: artifact.FeatureNames, mins: artifact.Min, maxs: artifact.Max}, nil
	default:
		return nil, fmt.Errorf("unsupported scaler type %q", artifact.Type)
	}
}

func checkNames(names []string, width int) error {
	if len(names) > 0 && len(names) != width {
		return fmt.Errorf("%d feature names declared for %d columns", len(names), width)
	}
	return nil
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}
