package http

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"flowqos/ml"
	"flowqos/pipeline"
)

type flowPrediction struct {
	Label      string   `json:"klass"`
	Confidence *float64 `json:"confidence"`
	Degraded   bool     `json:"degraded"`
}

type simulatedFlow struct {
	Label           string             `json:"label"`
	Features        map[string]float64 `json:"features"`
	Prediction      *flowPrediction    `json:"prediction,omitempty"`
	PredictionError string             `json:"prediction_error,omitempty"`
}

type simulateResponse struct {
	Count           int             `json:"count"`
	Seed            int64           `json:"seed"`
	WithPredictions bool            `json:"with_predictions"`
	Data            []simulatedFlow `json:"data"`
}

type testPrediction struct {
	Features   map[string]float64 `json:"features"`
	TrueLabel  string             `json:"true_label,omitempty"`
	Predicted  string             `json:"predicted,omitempty"`
	Confidence *float64           `json:"confidence,omitempty"`
	Degraded   bool               `json:"degraded,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type testResponse struct {
	Count       int              `json:"count"`
	Source      string           `json:"source"`
	Predictions []testPrediction `json:"predictions"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 20, 1, s.cfg.Simulate.MaxCount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	withPredictions, err := queryBool(r, "with_predictions", s.cfg.Simulate.WithPredictions)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	seed := s.cfg.Simulate.DefaultSeed
	if raw := r.URL.Query().Get("seed"); raw != "" {
		seed, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "seed must be an integer")
			return
		}
	}

	flows := pipeline.GenerateFlows(count, seed)
	out := make([]simulatedFlow, len(flows))
	for i, flow := range flows {
		out[i] = simulatedFlow{Label: flow.Label, Features: flow.Features}
		if !withPredictions {
			continue
		}
		res, err := s.predict(r.Context(), "simulate", flow.Features)
		if err != nil {
			if ctxDone(r.Context()) {
				writeError(w, http.StatusGatewayTimeout, err.Error())
				return
			}
			out[i].PredictionError = err.Error()
			continue
		}
		out[i].Prediction = &flowPrediction{Label: res.Label, Confidence: res.Confidence, Degraded: res.Degraded}
	}

	respondJSON(w, simulateResponse{Count: len(out), Seed: seed, WithPredictions: withPredictions, Data: out})
}

// handleTestSynthetic runs freshly generated flows through the model. Each
// flow is cut down to the features the model knows, so extra generator
// columns never shift the vector.
func (s *Server) handleTestSynthetic(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 10, 1, s.cfg.Simulate.MaxTestCount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var order []string
	if s.deps.Service != nil {
		order, _, _ = s.deps.Service.FeatureOrder()
	}

	flows := pipeline.GenerateFlows(count, rand.Int64())
	preds := make([]testPrediction, 0, len(flows))
	for _, flow := range flows {
		features := pipeline.Restrict(flow.Features, order)
		entry := testPrediction{Features: features}
		res, err := s.predict(r.Context(), "synthetic", features)
		if err != nil {
			if ctxDone(r.Context()) {
				writeError(w, http.StatusGatewayTimeout, err.Error())
				return
			}
			entry.Error = err.Error()
		} else {
			entry.TrueLabel = flow.Label
			entry.Predicted = res.Label
			entry.Confidence = res.Confidence
			entry.Degraded = res.Degraded
		}
		preds = append(preds, entry)
	}

	respondJSON(w, testResponse{Count: len(preds), Source: "synthetic", Predictions: preds})
}

func (s *Server) handleTestWebsite(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, s.cfg.Dataset.MaxLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if s.deps.Dataset.Len() == 0 {
		writeError(w, http.StatusNotFound, "no website test data available")
		return
	}

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	rows := s.deps.Dataset.Sample(limit, rng)
	preds := make([]testPrediction, 0, len(rows))
	for _, features := range rows {
		entry := testPrediction{Features: features}
		res, err := s.predict(r.Context(), "website", features)
		if err != nil {
			if ctxDone(r.Context()) {
				writeError(w, http.StatusGatewayTimeout, err.Error())
				return
			}
			entry.Error = err.Error()
		} else {
			entry.Predicted = res.Label
			entry.Confidence = res.Confidence
			entry.Degraded = res.Degraded
		}
		preds = append(preds, entry)
	}

	respondJSON(w, testResponse{Count: len(preds), Source: "website_testing.csv", Predictions: preds})
}

// predict runs one in-process prediction and reports it to the observer.
func (s *Server) predict(ctx context.Context, source string, features map[string]float64) (*ml.Result, error) {
	start := time.Now()
	res, err := s.deps.Predictor.Predict(ctx, features)
	if err != nil {
		s.deps.Observer.Failure(err)
		return nil, err
	}
	s.deps.Observer.Prediction(source, GetRequestID(ctx), features, res, time.Since(start))
	return res, nil
}

func ctxDone(ctx context.Context) bool {
	return ctx.Err() != nil
}
