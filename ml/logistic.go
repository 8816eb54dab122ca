package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
)

const TypeLogisticRegression = "logistic_regression"

// LogisticRegression scores rows with one weight vector per class and
// softmax. A single weight row is the binary form: it scores class 1 and
// class 0 gets the complement.
type LogisticRegression struct {
	coef         [][]float64
	intercept    []float64
	featureNames []string
	classes      []string
}

type logisticArtifact struct {
	Type         string      `json:"type"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	Classes      []string    `json:"classes,omitempty"`
	Coef         [][]float64 `json:"coef"`
	Intercept    []float64   `json:"intercept"`
}

func decodeLogisticRegression(payload []byte) (*LogisticRegression, error) {
	var artifact logisticArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, err
	}
	if len(artifact.Coef) == 0 {
		return nil, errors.New("logistic regression has no coefficients")
	}
	if len(artifact.Intercept) != len(artifact.Coef) {
		return nil, fmt.Errorf("intercept has %d entries for %d coefficient rows", len(artifact.Intercept), len(artifact.Coef))
	}
	width := len(artifact.Coef[0])
	for i, row := range artifact.Coef {
		if len(row) != width {
			return nil, fmt.Errorf("coefficient row %d has %d columns, want %d", i, len(row), width)
		}
	}
	if len(artifact.FeatureNames) > 0 && len(artifact.FeatureNames) != width {
		return nil, fmt.Errorf("%d feature names declared for %d coefficients", len(artifact.FeatureNames), width)
	}
	lr := &LogisticRegression{
		coef:         artifact.Coef,
		intercept:    artifact.Intercept,
		featureNames: artifact.FeatureNames,
		classes:      artifact.Classes,
	}
	if len(lr.classes) > 0 && len(lr.classes) != lr.numClasses() {
		return nil, fmt.Errorf("%d classes declared, model scores %d", len(lr.classes), lr.numClasses())
	}
	return lr, nil
}

func (lr *LogisticRegression) numClasses() int {
	if len(lr.coef) == 1 {
		return 2
	}
	return len(lr.coef)
}

func (lr *LogisticRegression) PredictProba(row []float64) ([]float64, error) {
	if len(row) != len(lr.coef[0]) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(lr.coef[0]), len(row))
	}
	scores := make([]float64, len(lr.coef))
	for k, weights := range lr.coef {
		z := lr.intercept[k]
		for i, w := range weights {
			z += w * row[i]
		}
		scores[k] = z
	}
	if len(scores) == 1 {
		p := sigmoid(scores[0])
		return []float64{1 - p, p}, nil
	}
	return softmax(scores), nil
}

func (lr *LogisticRegression) Predict(row []float64) (Prediction, error) {
	proba, err := lr.PredictProba(row)
	if err != nil {
		return Prediction{}, err
	}
	best := 0
	for i, p := range proba {
		if p > proba[best] {
			best = i
		}
	}
	pred := Prediction{Index: best}
	if len(lr.classes) > 0 {
		pred.Label = lr.classes[best]
	}
	return pred, nil
}

func (lr *LogisticRegression) FeatureNames() []string { return slices.Clone(lr.featureNames) }

func (lr *LogisticRegression) Classes() []string { return slices.Clone(lr.classes) }

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func softmax(scores []float64) []float64 {
	peak := slices.Max(scores)
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
