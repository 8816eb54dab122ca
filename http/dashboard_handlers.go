package http

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"flowqos/db"
	"flowqos/ml"
	"flowqos/monitoring"
	"flowqos/pipeline"
)

type statsResponse struct {
	Traffic   *monitoring.TrafficSummary `json:"traffic,omitempty"`
	Ingestion *pipeline.IngestionStats   `json:"ingestion,omitempty"`
	Logged    []db.LabelCount            `json:"logged,omitempty"`
	WSClients int                        `json:"ws_clients"`
	Timestamp time.Time                  `json:"timestamp"`
}

// handleStats summarises recent traffic for the dashboard.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Timestamp: time.Now()}
	if s.deps.Stats != nil {
		summary := s.deps.Stats.Snapshot()
		resp.Traffic = &summary
	}
	if s.deps.Ingester != nil {
		stats := s.deps.Ingester.GetStats()
		resp.Ingestion = &stats
	}
	if s.deps.Hub != nil {
		resp.WSClients = s.deps.Hub.Clients()
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.LabelCounts(r.Context())
		if err != nil {
			s.logger.Warn("failed to count logged predictions", zap.Error(err))
		} else {
			resp.Logged = counts
		}
	}
	respondJSON(w, resp)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	var statuses []ml.ArtifactStatus
	degraded := true
	if s.deps.Service != nil {
		statuses = s.deps.Service.Artifacts().Statuses
		degraded = s.deps.Service.Degraded()
	}
	resp := map[string]any{
		"degraded":  degraded,
		"artifacts": statuses,
	}
	if s.deps.Store != nil {
		events, err := s.deps.Store.LoadEvents(r.Context(), 20)
		if err != nil {
			s.logger.Warn("failed to list load events", zap.Error(err))
		} else {
			resp["load_events"] = events
		}
	}
	respondJSON(w, resp)
}
