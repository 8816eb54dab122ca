package ml

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

type stubClassifier struct {
	pred     Prediction
	err      error
	proba    []float64
	probaErr error
	classes  []string
	rows     [][]float64
}

func (s *stubClassifier) Predict(row []float64) (Prediction, error) {
	s.rows = append(s.rows, slices.Clone(row))
	return s.pred, s.err
}

func (s *stubClassifier) PredictProba([]float64) ([]float64, error) { return s.proba, s.probaErr }

func (s *stubClassifier) Classes() []string { return s.classes }

type constClassifier string

func (c constClassifier) Predict([]float64) (Prediction, error) { return Prediction{Label: string(c)}, nil }

type failingScaler struct{}

func (failingScaler) Transform([]float64) ([]float64, error) {
	return nil, errors.New("dimension mismatch")
}

func TestPredictFallbackScenarios(t *testing.T) {
	tests := []struct {
		name     string
		features map[string]float64
		label    string
		lo, hi   float64
	}{
		{
			name:     "low iat real-time",
			features: map[string]float64{FeatureIATMean: 10, FeatureIATStd: 5, FeatureAvgPktSize: 800},
			label:    LabelRealTime,
			lo:       0.5,
			hi:       0.95,
		},
		{
			name:     "high iat non-real-time",
			features: map[string]float64{FeatureIATMean: 200, FeatureIATStd: 150, FeatureAvgPktSize: 900},
			label:    LabelNonRealTime,
			lo:       minRuleConfidence,
			hi:       0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := fallbackService(t)
			res, err := svc.Predict(context.Background(), tt.features)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Label != tt.label {
				t.Fatalf("expected %q, got %q", tt.label, res.Label)
			}
			if !res.Degraded {
				t.Fatal("expected degraded result")
			}
			if res.Confidence == nil {
				t.Fatal("expected confidence")
			}
			if c := *res.Confidence; c < tt.lo || c >= tt.hi {
				t.Fatalf("confidence %f outside [%f, %f)", c, tt.lo, tt.hi)
			}
		})
	}
}

func TestPredictFallbackSmallPacketsBranch(t *testing.T) {
	svc := fallbackService(t)
	res, err := svc.Predict(context.Background(), map[string]float64{
		FeatureIATMean: 300, FeatureIATStd: 90, FeatureAvgPktSize: 120,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != LabelRealTime {
		t.Fatalf("expected %q, got %q", LabelRealTime, res.Label)
	}
}

func TestFallbackConfidenceBounds(t *testing.T) {
	c := NewRuleClassifier().BindFeatureOrder([]string{FeatureIATMean, FeatureIATStd, FeatureAvgPktSize})
	estimator := c.(ProbabilityEstimator)
	for _, mean := range []float64{-100, 0, 10, 25, 60, 1e6} {
		for _, std := range []float64{-50, 0, 12, 40, 1e6} {
			proba, err := estimator.PredictProba([]float64{mean, std, 500})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p := proba[1]; p < minRuleConfidence || p > maxRuleConfidence {
				t.Fatalf("mean=%v std=%v: P(RT)=%f outside clamp", mean, std, p)
			}
		}
	}
}

func TestPredictFallbackMissingColumnsReadZero(t *testing.T) {
	svc := fallbackService(t)
	// The order is frozen to ["other"]; every rule column reads as 0.
	res, err := svc.Predict(context.Background(), map[string]float64{"other": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != LabelRealTime {
		t.Fatalf("expected %q for all-zero rule columns, got %q", LabelRealTime, res.Label)
	}
}

func TestPredictUnboundRuleClassifierFails(t *testing.T) {
	if _, err := NewRuleClassifier().Predict([]float64{1, 2, 3}); err == nil {
		t.Fatal("expected error before binding")
	}
}

func TestPredictFeatureOrderFrozenOnFirstRequest(t *testing.T) {
	svc := fallbackService(t)
	if _, _, ok := svc.FeatureOrder(); ok {
		t.Fatal("expected no order before the first request")
	}
	ctx := context.Background()
	if _, err := svc.Predict(ctx, map[string]float64{"b": 1, "a": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Predict(ctx, map[string]float64{"c": 3, "d": 4, "e": 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names, source, ok := svc.FeatureOrder()
	if !ok || source != OrderFromRequest {
		t.Fatalf("expected order from request, got %v %s", ok, source)
	}
	if !slices.Equal(names, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", names)
	}
}

func TestPredictConcurrentFirstRequestsCommitOneOrder(t *testing.T) {
	svc := NewService(&Artifacts{Classifier: constClassifier("x")}, nil)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			features := map[string]float64{fmt.Sprintf("f%02d", i): 1, "shared": 2}
			if _, err := svc.Predict(context.Background(), features); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	names, _, ok := svc.FeatureOrder()
	if !ok || len(names) != 2 || names[1] != "shared" {
		t.Fatalf("expected a single two-column order, got %v", names)
	}
}

func TestPredictScalerDeclaredOrderWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scaler.json", `{"type":"standard","feature_names":["z","y"],"mean":[0,0],"scale":[1,1]}`)
	if err := indexOnlyTree(t).Save(filepath.Join(dir, "model.json")); err != nil {
		t.Fatalf("save: %v", err)
	}
	svc := NewService(LoadArtifacts(DefaultArtifactConfig(dir), nil), nil)
	names, source, ok := svc.FeatureOrder()
	if !ok || source != OrderFromScaler || !slices.Equal(names, []string{"z", "y"}) {
		t.Fatalf("expected scaler order [z y], got %v from %s", names, source)
	}
}

func TestPredictMissingFeatureFilledWithZero(t *testing.T) {
	row := Vectorize([]string{"a", "b", "c"}, map[string]float64{"a": 1.5, "extra": 9})
	if !slices.Equal(row, []float64{1.5, 0, 0}) {
		t.Fatalf("expected [1.5 0 0], got %v", row)
	}

	stub := &stubClassifier{pred: Prediction{Label: "ok"}}
	dir := t.TempDir()
	writeFile(t, dir, "scaler.json", `{"type":"minmax","feature_names":["a","b"],"min":[0,0],"max":[1,1]}`)
	a := LoadArtifacts(DefaultArtifactConfig(dir), nil)
	a.Classifier, a.Degraded = stub, false
	svc := NewService(a, nil)
	if _, err := svc.Predict(context.Background(), map[string]float64{"b": 0.5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stub.rows[0]; !slices.Equal(got, []float64{0, 0.5}) {
		t.Fatalf("expected [0 0.5], got %v", got)
	}
}

func TestPredictWithAndWithoutScaler(t *testing.T) {
	for _, withScaler := range []bool{true, false} {
		t.Run(fmt.Sprintf("scaler=%v", withScaler), func(t *testing.T) {
			dir := t.TempDir()
			if err := indexOnlyTree(t).Save(filepath.Join(dir, "model.json")); err != nil {
				t.Fatalf("save: %v", err)
			}
			if withScaler {
				writeFile(t, dir, "scaler.json", `{"type":"minmax","feature_names":["x"],"min":[0],"max":[1]}`)
			}
			svc := NewService(LoadArtifacts(DefaultArtifactConfig(dir), nil), nil)
			res, err := svc.Predict(context.Background(), map[string]float64{"x": 0.9})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Label != "1" {
				t.Fatalf("expected raw index label 1, got %q", res.Label)
			}
			if res.Scaled != withScaler {
				t.Fatalf("expected scaled=%v", withScaler)
			}
		})
	}
}

func TestPredictScalerFailureFallsBackToRawRow(t *testing.T) {
	stub := &stubClassifier{pred: Prediction{Label: "ok"}}
	svc := NewService(&Artifacts{Classifier: stub, Scaler: failingScaler{}}, nil)
	res, err := svc.Predict(context.Background(), map[string]float64{"a": 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Scaled || !slices.Contains(res.Notes, NoteScalerFailed) {
		t.Fatalf("expected unscaled result with note, got %+v", res)
	}
	if !slices.Equal(stub.rows[0], []float64{7}) {
		t.Fatalf("expected raw row, got %v", stub.rows[0])
	}
}

func TestPredictLabelDecoding(t *testing.T) {
	tests := []struct {
		name    string
		decoder LabelDecoder
		want    string
		note    string
	}{
		{name: "no decoder", want: "1", note: NoteDecoderUnavailable},
		{name: "decoder", decoder: NewLabelEncoder([]string{LabelNonRealTime, LabelRealTime}), want: LabelRealTime},
		{name: "index out of range", decoder: NewLabelEncoder([]string{"only"}), want: "1", note: NoteDecodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&Artifacts{Classifier: indexOnlyTree(t), Decoder: tt.decoder}, nil)
			res, err := svc.Predict(context.Background(), map[string]float64{"x": 1})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Label != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, res.Label)
			}
			if tt.note != "" && !slices.Contains(res.Notes, tt.note) {
				t.Fatalf("expected note %q in %v", tt.note, res.Notes)
			}
		})
	}
}

func TestPredictConfidencePrefersRealTimeClass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.json", `{"type":"logistic_regression","feature_names":["x"],"classes":["Non-Real-Time","Real-Time"],"coef":[[2]],"intercept":[0]}`)
	svc := NewService(LoadArtifacts(DefaultArtifactConfig(dir), nil), nil)

	res, err := svc.Predict(context.Background(), map[string]float64{"x": -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != LabelNonRealTime {
		t.Fatalf("expected %q, got %q", LabelNonRealTime, res.Label)
	}
	want := sigmoid(-2)
	if res.Confidence == nil || *res.Confidence != want {
		t.Fatalf("expected P(Real-Time)=%f, got %v", want, res.Confidence)
	}
}

func TestPredictConfidenceMaxForMultiClass(t *testing.T) {
	stub := &stubClassifier{
		pred:    Prediction{Label: "Gaming"},
		proba:   []float64{0.1, 0.7, 0.2},
		classes: []string{"Audio", "Gaming", "Video"},
	}
	svc := NewService(&Artifacts{Classifier: stub}, nil)
	res, err := svc.Predict(context.Background(), map[string]float64{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Confidence == nil || *res.Confidence != 0.7 {
		t.Fatalf("expected 0.7, got %v", res.Confidence)
	}
}

func TestPredictConfidenceFailureIsOmitted(t *testing.T) {
	stub := &stubClassifier{pred: Prediction{Label: "ok"}, probaErr: errors.New("boom")}
	svc := NewService(&Artifacts{Classifier: stub}, nil)
	res, err := svc.Predict(context.Background(), map[string]float64{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Confidence != nil {
		t.Fatalf("expected nil confidence, got %f", *res.Confidence)
	}
}

func TestPredictConfidenceClamped(t *testing.T) {
	stub := &stubClassifier{pred: Prediction{Label: "ok"}, proba: []float64{1.2}}
	svc := NewService(&Artifacts{Classifier: stub}, nil)
	res, err := svc.Predict(context.Background(), map[string]float64{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Confidence == nil || *res.Confidence != 1 {
		t.Fatalf("expected clamped confidence 1, got %v", res.Confidence)
	}
}

func TestPredictClassifierFailureIsInferenceError(t *testing.T) {
	stub := &stubClassifier{err: errors.New("shape mismatch")}
	svc := NewService(&Artifacts{Classifier: stub}, nil)
	_, err := svc.Predict(context.Background(), map[string]float64{"a": 1})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
}

func TestPredictRejectsEmptyFeatures(t *testing.T) {
	svc := fallbackService(t)
	_, err := svc.Predict(context.Background(), map[string]float64{})
	if !errors.Is(err, ErrInvalidFeatures) {
		t.Fatalf("expected ErrInvalidFeatures, got %v", err)
	}
	if _, _, ok := svc.FeatureOrder(); ok {
		t.Fatal("an invalid request must not fix the feature order")
	}
}

func TestPredictCancelledContext(t *testing.T) {
	svc := fallbackService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Predict(ctx, map[string]float64{"a": 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
