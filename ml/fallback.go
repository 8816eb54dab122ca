package ml

import (
	"errors"
	"math"
	"slices"
)

const (
	LabelRealTime    = "Real-Time"
	LabelNonRealTime = "Non-Real-Time"

	FeatureIATMean    = "flow_iat_mean_ms"
	FeatureIATStd     = "flow_iat_std_ms"
	FeatureAvgPktSize = "avg_pkt_size"
)

const (
	iatMeanThreshold = 25.0
	iatStdThreshold  = 12.0
	pktSizeThreshold = 350.0

	iatMeanScale = 10.0
	iatStdScale  = 5.0

	minRuleConfidence = 0.05
	maxRuleConfidence = 0.95
)

// RuleClassifier is the degraded-mode classifier used when no trained model
// could be loaded. It reads three named columns, so it must be bound to the
// resolved feature order before use.
type RuleClassifier struct{}

type boundRuleClassifier struct {
	mean, std, size int
}

var ruleClasses = []string{LabelNonRealTime, LabelRealTime}

func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

func (RuleClassifier) Predict([]float64) (Prediction, error) {
	return Prediction{}, errors.New("rule classifier used before feature order was bound")
}

func (RuleClassifier) Classes() []string { return slices.Clone(ruleClasses) }

func (RuleClassifier) BindFeatureOrder(names []string) Classifier {
	return &boundRuleClassifier{
		mean: slices.Index(names, FeatureIATMean),
		std:  slices.Index(names, FeatureIATStd),
		size: slices.Index(names, FeatureAvgPktSize),
	}
}

func (c *boundRuleClassifier) Predict(row []float64) (Prediction, error) {
	mean, std, size := column(row, c.mean), column(row, c.std), column(row, c.size)
	if (mean < iatMeanThreshold && std < iatStdThreshold) || size < pktSizeThreshold {
		return Prediction{Index: 1, Label: LabelRealTime}, nil
	}
	return Prediction{Index: 0, Label: LabelNonRealTime}, nil
}

// PredictProba squashes the distance of mean and spread from their
// thresholds through logistic curves and reports the product as P(Real-Time).
func (c *boundRuleClassifier) PredictProba(row []float64) ([]float64, error) {
	mean, std := column(row, c.mean), column(row, c.std)
	score := sigmoid((iatMeanThreshold-mean)/iatMeanScale) * sigmoid((iatStdThreshold-std)/iatStdScale)
	pRT := math.Min(math.Max(score, minRuleConfidence), maxRuleConfidence)
	return []float64{1 - pRT, pRT}, nil
}

func (c *boundRuleClassifier) Classes() []string { return slices.Clone(ruleClasses) }

// column reads a bound position; names missing from the order read as zero.
func column(row []float64, idx int) float64 {
	if idx < 0 || idx >= len(row) {
		return 0
	}
	return row[idx]
}
