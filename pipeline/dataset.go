package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebsiteColumns are the columns a website test dataset must carry.
var WebsiteColumns = []string{
	FeatureDuration,
	FeatureFwdPackets,
	FeatureBwdPackets,
	FeaturePacketRate,
	FeatureFwdPktMax,
	FeatureIATMax,
	FeatureBwdPktMax,
	FeatureInitWinFwd,
	FeatureInitWinBwd,
}

var ErrMissingColumns = errors.New("dataset is missing required columns")

// Dataset is a cleaned, in-memory set of flow feature rows.
type Dataset struct {
	Source string
	Rows   []map[string]float64
	Issues []QualityIssue
}

// LoadDataset reads a CSV file whose header names at least columns. Only
// those columns are kept. Rows that fail to parse or are rejected by the
// cleaner are dropped and reported in Issues.
func LoadDataset(path string, columns []string, cleaner *DataCleaner, logger *zap.Logger) (*Dataset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := ReadDataset(f, columns, cleaner)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds.Source = filepath.Base(path)
	logger.Info("dataset loaded",
		zap.String("path", path),
		zap.Int("rows", len(ds.Rows)),
		zap.Int("rejected", len(ds.Issues)))
	return ds, nil
}

// ReadDataset is LoadDataset over an arbitrary reader.
func ReadDataset(r io.Reader, columns []string, cleaner *DataCleaner) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, name := range columns {
		if _, ok := index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	ds := &Dataset{}
	var rows []*FlowRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			ds.Issues = append(ds.Issues, parseIssue(line, err.Error()))
			continue
		}
		row := &FlowRow{Line: line, Features: make(map[string]float64, len(columns))}
		var bad string
		for _, name := range columns {
			field := strings.TrimSpace(record[index[name]])
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				bad = fmt.Sprintf("%s: %q is not a number", name, field)
				break
			}
			row.Features[name] = v
		}
		if bad != "" {
			ds.Issues = append(ds.Issues, parseIssue(line, bad))
			continue
		}
		rows = append(rows, row)
	}

	if cleaner != nil {
		var issues []QualityIssue
		rows, issues = cleaner.Clean(rows)
		ds.Issues = append(ds.Issues, issues...)
	}
	ds.Rows = make([]map[string]float64, len(rows))
	for i, row := range rows {
		ds.Rows[i] = row.Features
	}
	return ds, nil
}

func parseIssue(line int, msg string) QualityIssue {
	return QualityIssue{Type: "parse", Severity: "high", Message: msg, Line: line, Timestamp: time.Now()}
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Sample draws up to limit distinct rows in random order.
func (d *Dataset) Sample(limit int, r *rand.Rand) []map[string]float64 {
	n := min(limit, d.Len())
	if n <= 0 {
		return nil
	}
	perm := r.Perm(d.Len())[:n]
	out := make([]map[string]float64, n)
	for i, idx := range perm {
		out[i] = d.Rows[idx]
	}
	return out
}

// Columns returns the feature names present in every row.
func (d *Dataset) Columns() []string {
	if d.Len() == 0 {
		return nil
	}
	cols := sortedKeys(d.Rows[0])
	return slices.Clip(cols)
}
