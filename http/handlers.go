package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"flowqos/db"
	"flowqos/ml"
	"flowqos/qos"
)

type predictRequest struct {
	Features map[string]any `json:"features"`
}

type predictResponse struct {
	Label      string      `json:"label"`
	Confidence *float64    `json:"confidence"`
	Degraded   bool        `json:"degraded"`
	RequestID  string      `json:"request_id,omitempty"`
	QoS        *qos.Policy `json:"qos,omitempty"`
}

type healthResponse struct {
	Status       string              `json:"status"`
	ModelLoaded  bool                `json:"model_loaded"`
	Degraded     bool                `json:"degraded"`
	Artifacts    []ml.ArtifactStatus `json:"artifacts"`
	FeatureOrder []string            `json:"feature_order"`
	OrderSource  ml.OrderSource      `json:"feature_order_source,omitempty"`
}

type qosResponse struct {
	ClassLabel string     `json:"class_label"`
	Known      bool       `json:"known"`
	QoS        qos.Policy `json:"qos"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	svc := s.deps.Service
	resp := healthResponse{Status: "ok", FeatureOrder: []string{}}
	if svc != nil {
		resp.Degraded = svc.Degraded()
		resp.ModelLoaded = !resp.Degraded
		resp.Artifacts = svc.Artifacts().Statuses
		if order, source, ok := svc.FeatureOrder(); ok {
			resp.FeatureOrder = order
			resp.OrderSource = source
		}
	}
	respondJSON(w, resp)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	withQoS, err := queryBool(r, "with_qos", false)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var req predictRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	requestID := GetRequestID(r.Context())
	features, err := ml.ParseFeatures(req.Features)
	if err != nil {
		s.deps.Observer.Failure(err)
		s.predictionFailed(w, requestID, err)
		return
	}

	res, err := s.predict(r.Context(), "http", features)
	if err != nil {
		s.predictionFailed(w, requestID, err)
		return
	}

	resp := predictResponse{
		Label:      res.Label,
		Confidence: res.Confidence,
		Degraded:   res.Degraded,
		RequestID:  requestID,
	}
	if withQoS {
		p := s.deps.QoS.ForLabel(res.Label)
		resp.QoS = &p
	}
	respondJSON(w, resp)
}

func (s *Server) predictionFailed(w http.ResponseWriter, requestID string, err error) {
	status := predictionStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("prediction failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	s.logger.Debug("prediction rejected", zap.String("request_id", requestID), zap.Error(err))
	writeError(w, status, err.Error())
}

// predictionStatus maps a prediction error to its HTTP status.
func predictionStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, ml.ErrInvalidFeatures):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ml.ErrInference):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleQoS(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("class_label")
	if label == "" {
		label = qos.RealTime
	}
	name, policy, known := s.deps.QoS.Lookup(label)
	if !known {
		name = label
	}
	respondJSON(w, qosResponse{ClassLabel: name, Known: known, QoS: policy})
}

func (s *Server) handleQoSAll(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"profiles": s.deps.QoS.All(),
		"default":  s.deps.QoS.Default(),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "prediction log is disabled")
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	preds, err := s.deps.Store.RecentPredictions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list predictions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list predictions")
		return
	}
	if preds == nil {
		preds = []db.Prediction{}
	}
	respondJSON(w, map[string]any{
		"count":       len(preds),
		"predictions": preds,
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads an optional integer parameter and checks it lies in
// [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return v, nil
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}
