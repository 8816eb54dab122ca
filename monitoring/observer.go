package monitoring

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"flowqos/db"
	"flowqos/ml"
)

// PredictionSink persists served predictions off the request path.
type PredictionSink interface {
	Enqueue(p db.Prediction) bool
}

// Observer fans every served prediction out to metrics, the traffic
// summary, the live stream and the prediction log. Any of them may be nil.
type Observer struct {
	metrics *Metrics
	stats   *TrafficStats
	hub     *PredictionHub
	sink    PredictionSink
	logger  *zap.Logger
}

func NewObserver(metrics *Metrics, stats *TrafficStats, hub *PredictionHub, sink PredictionSink, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{metrics: metrics, stats: stats, hub: hub, sink: sink, logger: logger}
}

// Prediction records a successful prediction made for source ("http",
// "nats", "synthetic", "website").
func (o *Observer) Prediction(source, requestID string, features map[string]float64, res *ml.Result, elapsed time.Duration) {
	if o == nil || res == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.ObservePrediction(res, elapsed)
	}
	if o.stats != nil {
		o.stats.Record(source, res)
	}
	if o.hub != nil {
		err := o.hub.PublishPrediction(PredictionMessage{
			RequestID:  requestID,
			Source:     source,
			Label:      res.Label,
			Confidence: res.Confidence,
			Degraded:   res.Degraded,
			Features:   features,
		})
		if err != nil {
			o.logger.Warn("failed to publish prediction", zap.Error(err))
		}
	}
	if o.sink != nil {
		ok := o.sink.Enqueue(db.Prediction{
			RequestID:  requestID,
			Source:     source,
			Label:      res.Label,
			Confidence: res.Confidence,
			Degraded:   res.Degraded,
			Features:   features,
			CreatedAt:  time.Now().UTC(),
		})
		if !ok {
			o.logger.Warn("prediction log queue full, dropping entry", zap.String("request_id", requestID))
		}
	}
}

// Failure records a failed prediction and returns its kind.
func (o *Observer) Failure(err error) string {
	kind := ErrorKind(err)
	if o == nil {
		return kind
	}
	if o.metrics != nil {
		o.metrics.ObservePredictionError(kind)
	}
	if o.stats != nil {
		o.stats.RecordError()
	}
	return kind
}

// ErrorKind buckets a prediction error for metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ml.ErrInvalidFeatures):
		return "invalid_input"
	case errors.Is(err, ml.ErrInference):
		return "inference"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
