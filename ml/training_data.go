package ml

import (
	"errors"
	"fmt"
)

// LabeledFlow is one training example: a ground-truth class name and the
// flow's feature map.
type LabeledFlow struct {
	Label    string
	Features map[string]float64
}

// TrainingSet is a labeled dataset laid out in a fixed feature order, with
// class names encoded to indices by a fitted LabelEncoder.
type TrainingSet struct {
	FeatureNames []string
	Rows         [][]float64
	Labels       []int
	Encoder      *LabelEncoder
}

// BuildTrainingSet vectorizes flows in the given order and encodes their
// labels. Features a flow lacks are filled with 0.0, exactly as at
// inference time.
func BuildTrainingSet(order []string, flows []LabeledFlow) (*TrainingSet, error) {
	if len(order) == 0 {
		return nil, errors.New("feature order is empty")
	}
	if len(flows) == 0 {
		return nil, errors.New("flows is empty")
	}

	names := make([]string, len(flows))
	rows := make([][]float64, len(flows))
	for i, flow := range flows {
		if flow.Label == "" {
			return nil, fmt.Errorf("flow %d has no label", i)
		}
		names[i] = flow.Label
		rows[i] = Vectorize(order, flow.Features)
	}
	encoder, labels := FitLabelEncoder(names)

	return &TrainingSet{
		FeatureNames: append([]string(nil), order...),
		Rows:         rows,
		Labels:       labels,
		Encoder:      encoder,
	}, nil
}

// Split divides the set into a training and a holdout part. The first
// trainFraction of rows train; the rest are held out.
func (ts *TrainingSet) Split(trainFraction float64) (train, holdout *TrainingSet) {
	cut := int(float64(len(ts.Rows)) * trainFraction)
	cut = min(max(cut, 0), len(ts.Rows))
	part := func(lo, hi int) *TrainingSet {
		return &TrainingSet{
			FeatureNames: ts.FeatureNames,
			Rows:         ts.Rows[lo:hi],
			Labels:       ts.Labels[lo:hi],
			Encoder:      ts.Encoder,
		}
	}
	return part(0, cut), part(cut, len(ts.Rows))
}

// Accuracy reports the share of rows the classifier gets right.
func Accuracy(c Classifier, rows [][]float64, labels []int) (float64, error) {
	if len(rows) == 0 {
		return 0, errors.New("no rows to score")
	}
	correct := 0
	for i, row := range rows {
		pred, err := c.Predict(row)
		if err != nil {
			return 0, err
		}
		if pred.Index == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(rows)), nil
}
