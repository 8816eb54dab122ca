package ml

import "go.uber.org/zap"

// Vectorize lays features out in order. Names missing from features become
// 0.0 and keys outside order are dropped.
func Vectorize(order []string, features map[string]float64) []float64 {
	row := make([]float64, len(order))
	for i, name := range order {
		row[i] = features[name]
	}
	return row
}

// scaleRow applies the scaler when there is one. A failing transform is
// logged and the unscaled row is returned with scaled=false.
func scaleRow(scaler Scaler, row []float64, logger *zap.Logger) (out []float64, scaled bool) {
	if scaler == nil {
		return row, false
	}
	transformed, err := scaler.Transform(row)
	if err != nil {
		logger.Error("scaler transform failed, proceeding unscaled", zap.Int("columns", len(row)), zap.Error(err))
		return row, false
	}
	return transformed, true
}
