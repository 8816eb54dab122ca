// Package http serves the flowqos REST API, the live prediction stream and
// the Prometheus endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"flowqos/config"
	"flowqos/db"
	"flowqos/ml"
	"flowqos/monitoring"
	"flowqos/pipeline"
	"flowqos/qos"
)

// Deps are the collaborators the handlers need. Only Service and QoS are
// required; every other field may be left nil.
type Deps struct {
	Service   *ml.Service
	Predictor ml.Predictor
	QoS       *qos.Table
	Store     *db.Store
	Dataset   *pipeline.Dataset
	Observer  *monitoring.Observer
	Metrics   *monitoring.Metrics
	Stats     *monitoring.TrafficStats
	Hub       *monitoring.PredictionHub
	Ingester  *pipeline.PredictionIngester
	Logger    *zap.Logger
}

type Server struct {
	server *http.Server
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Predictor == nil && deps.Service != nil {
		deps.Predictor = deps.Service
	}
	if deps.QoS == nil {
		deps.QoS = qos.Builtin()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	chain := Chain(
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware,
		CORSMiddleware(cfg.HTTP.CORSOrigins),
		SecurityHeadersMiddleware,
		RequestSizeMiddleware(cfg.HTTP.MaxBodyBytes),
		TimeoutMiddleware(cfg.HTTP.RequestTimeout),
		InstrumentMiddleware(s.logger, deps.Metrics),
	)

	s.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      chain(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("GET /api/qos", s.handleQoS)
	mux.HandleFunc("GET /api/qos/all", s.handleQoSAll)
	mux.HandleFunc("GET /api/predictions", s.handlePredictions)

	mux.HandleFunc("GET /api/simulate", s.handleSimulate)
	mux.HandleFunc("GET /api/test-synthetic", s.handleTestSynthetic)
	mux.HandleFunc("GET /api/test-website", s.handleTestWebsite)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/artifacts", s.handleArtifacts)

	if s.deps.Hub != nil {
		mux.Handle("GET /api/ws/predictions", s.deps.Hub)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.logger.Info("HTTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("stream", "/api/ws/predictions"))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}
