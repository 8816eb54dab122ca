package ml

import "context"

// Prediction is the raw classifier output for one row. Models that declare
// their class labels fill Label; the others only report the class index.
type Prediction struct {
	Index int
	Label string
}

// Classifier is the one capability every classifier artifact must have.
type Classifier interface {
	Predict(row []float64) (Prediction, error)
}

// ProbabilityEstimator is implemented by classifiers that can return a
// per-class probability distribution.
type ProbabilityEstimator interface {
	PredictProba(row []float64) ([]float64, error)
}

// FeatureNamer is implemented by artifacts that declare the feature order
// they were fitted on.
type FeatureNamer interface {
	FeatureNames() []string
}

// ClassLister is implemented by classifiers that declare their class order.
type ClassLister interface {
	Classes() []string
}

// OrderBinder is implemented by classifiers that address columns by name and
// need the resolved feature order before they can predict.
type OrderBinder interface {
	BindFeatureOrder(names []string) Classifier
}

type Scaler interface {
	Transform(row []float64) ([]float64, error)
}

type LabelDecoder interface {
	InverseTransform(index int) (string, error)
}

// Predictor is the inference entry point shared by the HTTP and NATS layers.
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (*Result, error)
}

// Result is the outcome of one prediction. Confidence is nil when the
// classifier cannot estimate probabilities or the estimate failed.
type Result struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
	Degraded   bool     `json:"degraded"`
	Scaled     bool     `json:"-"`
	Notes      []string `json:"-"`
}
