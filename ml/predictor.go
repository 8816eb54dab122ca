package ml

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Notes attached to a Result when part of the pipeline degraded.
const (
	NoteFallbackClassifier = "fallback_classifier"
	NoteScalerUnavailable  = "scaler_unavailable"
	NoteScalerFailed       = "scaler_failed"
	NoteDecoderUnavailable = "label_decoder_unavailable"
	NoteDecodeFailed       = "label_decode_failed"
	NoteConfidenceOmitted  = "confidence_unavailable"
	NoteConfidenceFailed   = "confidence_failed"
)

// Service is the inference core: one artifact triple, one feature order and
// a logger, shared read-only by every request.
type Service struct {
	artifacts *Artifacts
	order     *FeatureOrder
	logger    *zap.Logger

	bindOnce   sync.Once
	classifier Classifier
}

// NewService wires loaded artifacts into a predictor and fixes the feature
// order if an artifact declares one.
func NewService(a *Artifacts, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		artifacts: a,
		order:     ResolveFeatureOrder(a),
		logger:    logger,
	}
	if names, source, ok := s.order.Names(); ok {
		logger.Info("feature order resolved", zap.String("source", string(source)), zap.Strings("features", names))
	} else {
		logger.Info("no declared feature order, deferring to first request")
	}
	return s
}

func (s *Service) Artifacts() *Artifacts { return s.artifacts }

// FeatureOrder reports the resolved order, if one has been fixed yet.
func (s *Service) FeatureOrder() ([]string, OrderSource, bool) { return s.order.Names() }

func (s *Service) Degraded() bool { return s.artifacts.Degraded }

// Predict runs one feature map through vectorization, the classifier, label
// decoding and confidence extraction. Only invalid input and classifier
// failures are returned as errors.
func (s *Service) Predict(ctx context.Context, features map[string]float64) (*Result, error) {
	if err := validateFeatures(features); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order, committed := s.order.Resolve(features)
	if committed {
		s.logger.Info("feature order inferred from first request", zap.Strings("features", order))
	}

	res := &Result{Degraded: s.artifacts.Degraded}
	if res.Degraded {
		res.Notes = append(res.Notes, NoteFallbackClassifier)
	}

	row := Vectorize(order, features)
	row, res.Scaled = scaleRow(s.artifacts.Scaler, row, s.logger)
	if !res.Scaled {
		if s.artifacts.Scaler == nil {
			res.Notes = append(res.Notes, NoteScalerUnavailable)
		} else {
			res.Notes = append(res.Notes, NoteScalerFailed)
		}
	}

	classifier := s.bound(order)
	pred, err := classifier.Predict(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	res.Label = s.decode(pred, res)
	res.Confidence = s.confidence(classifier, row, res)
	return res, nil
}

// bound returns the classifier to call. Classifiers that address columns by
// name are bound to the frozen order exactly once.
func (s *Service) bound(order []string) Classifier {
	s.bindOnce.Do(func() {
		s.classifier = s.artifacts.Classifier
		if binder, ok := s.classifier.(OrderBinder); ok {
			s.classifier = binder.BindFeatureOrder(order)
		}
	})
	return s.classifier
}

func (s *Service) decode(pred Prediction, res *Result) string {
	if pred.Label != "" {
		return pred.Label
	}
	raw := strconv.Itoa(pred.Index)
	if s.artifacts.Decoder == nil {
		res.Notes = append(res.Notes, NoteDecoderUnavailable)
		return raw
	}
	label, err := s.artifacts.Decoder.InverseTransform(pred.Index)
	if err != nil {
		s.logger.Warn("label decoding failed, returning raw index", zap.Int("index", pred.Index), zap.Error(err))
		res.Notes = append(res.Notes, NoteDecodeFailed)
		return raw
	}
	return label
}

func (s *Service) confidence(classifier Classifier, row []float64, res *Result) *float64 {
	estimator, ok := classifier.(ProbabilityEstimator)
	if !ok {
		res.Notes = append(res.Notes, NoteConfidenceOmitted)
		return nil
	}
	proba, err := estimator.PredictProba(row)
	if err != nil {
		s.logger.Warn("probability estimation failed, omitting confidence", zap.Error(err))
		res.Notes = append(res.Notes, NoteConfidenceFailed)
		return nil
	}
	if len(proba) == 0 {
		res.Notes = append(res.Notes, NoteConfidenceFailed)
		return nil
	}

	var p float64
	if i := realTimeIndex(classifier, len(proba)); i >= 0 {
		p = proba[i]
	} else {
		p = slices.Max(proba)
	}
	if math.IsNaN(p) {
		res.Notes = append(res.Notes, NoteConfidenceFailed)
		return nil
	}
	p = min(max(p, 0), 1)
	return &p
}

func realTimeIndex(classifier Classifier, width int) int {
	lister, ok := classifier.(ClassLister)
	if !ok {
		return -1
	}
	i := slices.Index(lister.Classes(), LabelRealTime)
	if i >= width {
		return -1
	}
	return i
}
