package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"flowqos/db"
	"flowqos/ml"
)

func conf(v float64) *float64 { return &v }

func TestMetricsObservePrediction(t *testing.T) {
	m := NewMetrics()
	m.ObservePrediction(&ml.Result{Label: "Real-Time", Confidence: conf(0.8), Degraded: true, Notes: []string{ml.NoteFallbackClassifier}}, 3*time.Millisecond)
	m.ObservePrediction(&ml.Result{Label: "Real-Time"}, time.Millisecond)
	m.ObservePredictionError("inference")

	if got := testutil.ToFloat64(m.predictions.WithLabelValues("Real-Time", "true")); got != 1 {
		t.Errorf("expected 1 degraded real-time prediction, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictions.WithLabelValues("Real-Time", "false")); got != 1 {
		t.Errorf("expected 1 normal real-time prediction, got %v", got)
	}
	if got := testutil.ToFloat64(m.degradations.WithLabelValues(ml.NoteFallbackClassifier)); got != 1 {
		t.Errorf("expected fallback note counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictErrors.WithLabelValues("inference")); got != 1 {
		t.Errorf("expected 1 inference error, got %v", got)
	}
}

func TestMetricsArtifactStatesAndHandler(t *testing.T) {
	m := NewMetrics()
	m.SetArtifactStatuses([]ml.ArtifactStatus{
		{Name: ml.ArtifactClassifier, State: ml.StateMissing},
		{Name: ml.ArtifactScaler, State: ml.StateLoaded},
	})
	if got := testutil.ToFloat64(m.artifactState.WithLabelValues(ml.ArtifactClassifier, string(ml.StateMissing))); got != 1 {
		t.Errorf("expected classifier missing gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.artifactState.WithLabelValues(ml.ArtifactClassifier, string(ml.StateLoaded))); got != 0 {
		t.Errorf("expected classifier loaded gauge 0, got %v", got)
	}
	m.ObserveHTTP("/api/predict", http.MethodPost, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"flowqos_artifact_state", "flowqos_http_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestTrafficStats(t *testing.T) {
	ts := NewTrafficStats(3)
	labels := []string{"a", "b", "c", "d"}
	for i, l := range labels {
		res := &ml.Result{Label: l, Degraded: i%2 == 0}
		if i < 2 {
			res.Confidence = conf(0.5 + float64(i)*0.2)
		}
		ts.Record("http", res)
	}
	ts.RecordError()

	s := ts.Snapshot()
	if s.Total != 4 || s.Degraded != 2 || s.Errors != 1 || s.WithConfidence != 2 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.MeanConfidence < 0.5999 || s.MeanConfidence > 0.6001 {
		t.Fatalf("expected mean confidence 0.6, got %f", s.MeanConfidence)
	}
	if len(s.Recent) != 3 || s.Recent[0].Label != "d" || s.Recent[2].Label != "b" {
		t.Fatalf("expected newest-first window [d c b], got %+v", s.Recent)
	}

	s.ByLabel["a"] = 100
	if ts.Snapshot().ByLabel["a"] != 1 {
		t.Fatal("snapshot must not alias internal state")
	}

	ts.Reset()
	if s := ts.Snapshot(); s.Total != 0 || len(s.Recent) != 0 {
		t.Fatalf("expected empty stats after reset, got %+v", s)
	}
}

func TestTrafficStatsPartialWindow(t *testing.T) {
	ts := NewTrafficStats(5)
	ts.Record("nats", &ml.Result{Label: "x"})
	ts.Record("nats", &ml.Result{Label: "y"})
	s := ts.Snapshot()
	if len(s.Recent) != 2 || s.Recent[0].Label != "y" || s.Recent[1].Label != "x" {
		t.Fatalf("unexpected recent order: %+v", s.Recent)
	}
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *PredictionHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPredictionHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := make(chan int, 16)
	hub := NewPredictionHub(nil, nil, func(n int) { counts <- n })
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	if err := hub.PublishPrediction(PredictionMessage{Source: "http", Label: "Real-Time", Confidence: conf(0.9)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != PredictionEvent || msg.ID == "" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	var p PredictionMessage
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Label != "Real-Time" || p.Confidence == nil || *p.Confidence != 0.9 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if got := <-counts; got != 1 {
		t.Fatalf("expected client count callback 1, got %d", got)
	}
}

func TestPredictionHubTopicFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewPredictionHub([]string{"*"}, nil, nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: string(ArtifactEvent)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Let the read pump hand the subscription to the hub.
	time.Sleep(50 * time.Millisecond)

	hub.PublishPrediction(PredictionMessage{Label: "filtered"})
	hub.Publish(ArtifactEvent, map[string]string{"classifier": "loaded"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != ArtifactEvent {
		t.Fatalf("expected only artifact events, got %s", msg.Type)
	}
}

func TestPredictionHubRejectsForeignOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewPredictionHub([]string{"http://localhost:5173"}, nil, nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	}
}

func TestPredictionHubStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewPredictionHub(nil, nil, nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if hub.Clients() != 0 {
		t.Fatal("stopped hub should report no clients")
	}
	if err := hub.PublishPrediction(PredictionMessage{Label: "late"}); err != nil {
		t.Fatalf("publish after stop: %v", err)
	}
}

type recordingSink struct {
	entries []db.Prediction
}

func (s *recordingSink) Enqueue(p db.Prediction) bool {
	s.entries = append(s.entries, p)
	return true
}

func TestObserverFansOut(t *testing.T) {
	metrics := NewMetrics()
	stats := NewTrafficStats(10)
	sink := &recordingSink{}
	obs := NewObserver(metrics, stats, nil, sink, nil)

	features := map[string]float64{"flow_iat_mean_ms": 10}
	obs.Prediction("http", "req-1", features, &ml.Result{Label: "Real-Time", Confidence: conf(0.7)}, time.Millisecond)

	if len(sink.entries) != 1 || sink.entries[0].RequestID != "req-1" || sink.entries[0].Source != "http" {
		t.Fatalf("unexpected sink entries: %+v", sink.entries)
	}
	if stats.Snapshot().Total != 1 {
		t.Fatal("stats not updated")
	}
	if got := testutil.ToFloat64(metrics.predictions.WithLabelValues("Real-Time", "false")); got != 1 {
		t.Fatalf("metrics not updated: %v", got)
	}

	if kind := obs.Failure(fmt.Errorf("%w: boom", ml.ErrInference)); kind != "inference" {
		t.Fatalf("expected inference kind, got %s", kind)
	}
	if stats.Snapshot().Errors != 1 {
		t.Fatal("error not counted")
	}

	var nilObs *Observer
	nilObs.Prediction("http", "", nil, &ml.Result{}, 0)
	if kind := nilObs.Failure(ml.ErrInvalidFeatures); kind != "invalid_input" {
		t.Fatalf("expected invalid_input, got %s", kind)
	}
}

func TestErrorKind(t *testing.T) {
	tests := map[error]string{
		ml.ErrInvalidFeatures:                             "invalid_input",
		fmt.Errorf("wrap: %w", context.DeadlineExceeded): "canceled",
		errors.New("disk full"):                           "internal",
	}
	for err, want := range tests {
		if got := ErrorKind(err); got != want {
			t.Errorf("ErrorKind(%v) = %s, want %s", err, got, want)
		}
	}
}
