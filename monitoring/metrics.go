package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowqos/ml"
)

const namespace = "flowqos"

// Metrics holds the Prometheus instruments for the service. Each instance
// owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	predictions     *prometheus.CounterVec
	predictErrors   *prometheus.CounterVec
	predictDuration prometheus.Histogram
	degradations    *prometheus.CounterVec
	confidence      prometheus.Histogram
	artifactState   *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	busMessages     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by label and degraded mode.",
		}, []string{"label", "degraded"}),
		predictErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Failed predictions, by kind.",
		}, []string{"kind"}),
		predictDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent in the inference pipeline.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Soft degradations absorbed during prediction, by note.",
		}, []string{"note"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_confidence",
			Help:      "Confidence of predictions that carried one.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		artifactState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_state",
			Help:      "1 for the current load state of each artifact.",
		}, []string{"artifact", "state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected prediction stream clients.",
		}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "NATS requests handled, by subject and outcome.",
		}, []string{"subject", "outcome"}),
	}

	m.registry.MustRegister(
		m.predictions, m.predictErrors, m.predictDuration, m.degradations, m.confidence,
		m.artifactState, m.httpRequests, m.httpDuration, m.wsClients, m.busMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePrediction records one successful prediction.
func (m *Metrics) ObservePrediction(res *ml.Result, elapsed time.Duration) {
	m.predictions.WithLabelValues(res.Label, strconv.FormatBool(res.Degraded)).Inc()
	m.predictDuration.Observe(elapsed.Seconds())
	for _, note := range res.Notes {
		m.degradations.WithLabelValues(note).Inc()
	}
	if res.Confidence != nil {
		m.confidence.Observe(*res.Confidence)
	}
}

func (m *Metrics) ObservePredictionError(kind string) {
	m.predictErrors.WithLabelValues(kind).Inc()
}

// SetArtifactStatuses publishes the artifact load outcome.
func (m *Metrics) SetArtifactStatuses(statuses []ml.ArtifactStatus) {
	for _, st := range statuses {
		for _, state := range []ml.ArtifactState{ml.StateLoaded, ml.StateMissing, ml.StateInvalid} {
			v := 0.0
			if st.State == state {
				v = 1
			}
			m.artifactState.WithLabelValues(st.Name, string(state)).Set(v)
		}
	}
}

func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}

func (m *Metrics) ObserveBusMessage(subject, outcome string) {
	m.busMessages.WithLabelValues(subject, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
