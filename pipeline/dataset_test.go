package pipeline

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const websiteCSV = `Flow.Duration,Total.Fwd.Packets,Total.Backward.Packets,Flow.Packets.s,Fwd.Packet.Length.Max,Flow.IAT.Max,Bwd.Packet.Length.Max,Init_Win_bytes_forward,Init_Win_bytes_backward,Label
10,20,30,5,100,4,90,8192,-1,web
12,25,20,0,110,5,95,8192,4096,video
11,-4,20,3,110,5,95,8192,4096,broken
10,20,30,5,100,4,90,8192,-1,dup
9,abc,30,5,100,4,90,8192,1024,bad
`

func TestReadDataset(t *testing.T) {
	ds, err := ReadDataset(strings.NewReader(websiteCSV), WebsiteColumns, NewDataCleaner(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d (issues %+v)", ds.Len(), ds.Issues)
	}
	if len(ds.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %d: %+v", len(ds.Issues), ds.Issues)
	}
	if got := ds.Rows[1][FeaturePacketRate]; got != 45.0/12 {
		t.Fatalf("expected repaired packet rate, got %f", got)
	}
	if _, ok := ds.Rows[0]["Label"]; ok {
		t.Fatal("columns outside the requested set must be dropped")
	}
	if cols := ds.Columns(); len(cols) != len(WebsiteColumns) {
		t.Fatalf("expected %d columns, got %v", len(WebsiteColumns), cols)
	}
}

func TestReadDatasetMissingColumns(t *testing.T) {
	_, err := ReadDataset(strings.NewReader("Flow.Duration,Other\n1,2\n"), WebsiteColumns, nil)
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
	if !strings.Contains(err.Error(), FeatureInitWinBwd) {
		t.Fatalf("expected missing column names in %q", err.Error())
	}
}

func TestLoadDatasetFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "website_testing.csv")
	if err := os.WriteFile(path, []byte(websiteCSV), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ds, err := LoadDataset(path, WebsiteColumns, NewDataCleaner(nil), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Source != "website_testing.csv" {
		t.Fatalf("unexpected source %q", ds.Source)
	}

	if _, err := LoadDataset(filepath.Join(t.TempDir(), "absent.csv"), WebsiteColumns, nil, nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDatasetSample(t *testing.T) {
	ds := &Dataset{}
	for i := range 10 {
		ds.Rows = append(ds.Rows, map[string]float64{"i": float64(i)})
	}
	r := rand.New(rand.NewPCG(1, 2))

	got := ds.Sample(4, r)
	if len(got) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(got))
	}
	seen := map[float64]bool{}
	for _, row := range got {
		if seen[row["i"]] {
			t.Fatalf("row %v sampled twice", row)
		}
		seen[row["i"]] = true
	}

	if all := ds.Sample(100, r); len(all) != 10 {
		t.Fatalf("expected sample capped at 10, got %d", len(all))
	}
	var empty *Dataset
	if got := empty.Sample(5, r); got != nil {
		t.Fatalf("expected nil sample from nil dataset, got %v", got)
	}
}
