package ml

import (
	"math"
	"path/filepath"
	"testing"
)

func TestStandardScalerFitTransform(t *testing.T) {
	rows := [][]float64{{1, 10}, {3, 10}, {5, 10}}
	scaler, err := FitStandardScaler([]string{"a", "b"}, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := scaler.Transform([]float64{3, 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("expected the mean row to scale to zeros, got %v", out)
	}

	out, _ = scaler.Transform([]float64{5, 12})
	if math.Abs(out[0]-math.Sqrt(1.5)) > 1e-9 {
		t.Fatalf("unexpected scaled value %f", out[0])
	}
	// A constant column keeps unit scale.
	if out[1] != 2 {
		t.Fatalf("expected constant column shifted only, got %f", out[1])
	}

	if _, err := scaler.Transform([]float64{1}); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestStandardScalerFitErrors(t *testing.T) {
	if _, err := FitStandardScaler(nil, nil); err == nil {
		t.Fatal("expected error for no rows")
	}
	if _, err := FitStandardScaler([]string{"a"}, [][]float64{{1, 2}}); err == nil {
		t.Fatal("expected error for name count mismatch")
	}
	if _, err := FitStandardScaler(nil, [][]float64{{1, 2}, {1}}); err == nil {
		t.Fatal("expected error for ragged rows")
	}
}

func TestStandardScalerSaveLoad(t *testing.T) {
	scaler, err := FitStandardScaler([]string{"a", "b"}, [][]float64{{0, 1}, {2, 3}})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	path := filepath.Join(t.TempDir(), "scaler.json")
	if err := scaler.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadScaler(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if names := declaredNames(loaded); len(names) != 2 || names[0] != "a" {
		t.Fatalf("expected declared names to survive, got %v", names)
	}
	want, _ := scaler.Transform([]float64{1, 2})
	got, _ := loaded.Transform([]float64{1, 2})
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("column %d: got %f want %f", i, got[i], want[i])
		}
	}
}

func TestMinMaxScalerFromArtifact(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scaler.json", `{"type":"minmax","min":[0,10],"max":[10,10]}`)
	scaler, err := LoadScaler(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := scaler.Transform([]float64{5, 10})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	for _, v := range out {
		if v < 0 || v > 1 {
			t.Fatalf("expected normalized value between 0 and 1, got %f", v)
		}
	}
	if out[0] != 0.5 || out[1] != 0 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestDecodeScalerRejectsBrokenArtifacts(t *testing.T) {
	tests := map[string]string{
		"zero scale":      `{"type":"standard","mean":[1],"scale":[0]}`,
		"length mismatch": `{"type":"standard","mean":[1,2],"scale":[1]}`,
		"names mismatch":  `{"type":"minmax","feature_names":["a"],"min":[0,0],"max":[1,1]}`,
		"unknown type":    `{"type":"robust","mean":[1],"scale":[1]}`,
	}
	for name, payload := range tests {
		if _, err := decodeScaler([]byte(payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
