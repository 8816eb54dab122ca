package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrInvalidFeatures marks client input that never reached the model.
	ErrInvalidFeatures = errors.New("invalid features")
	// ErrInference marks a classifier failure for one request.
	ErrInference = errors.New("inference failed")
)

// ParseFeatures converts a loosely typed feature map into numbers. Only
// numeric values are accepted; the map must not be empty.
func ParseFeatures(raw map[string]any) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: features must not be empty", ErrInvalidFeatures)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	features := make(map[string]float64, len(raw))
	for _, name := range keys {
		v, ok := toFloat(raw[name])
		if !ok {
			return nil, fmt.Errorf("%w: feature %q must be numeric, got %T", ErrInvalidFeatures, name, raw[name])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: feature %q is not finite", ErrInvalidFeatures, name)
		}
		features[name] = v
	}
	return features, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func validateFeatures(features map[string]float64) error {
	if len(features) == 0 {
		return fmt.Errorf("%w: features must not be empty", ErrInvalidFeatures)
	}
	return nil
}
