package pipeline

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlowRow is one dataset row on its way into the test set.
type FlowRow struct {
	Line     int                `json:"line"`
	Features map[string]float64 `json:"features"`
}

// CleaningRule validates or corrects a row. A nil row with a nil error keeps
// the input unchanged.
type CleaningRule interface {
	Apply(*FlowRow) (*FlowRow, error)
	Name() string
}

// QualityIssue describes why a row was rejected.
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Line      int       `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// DataCleaner runs rows through its rules in order. A row failing any rule
// is rejected; corrections made by rules are kept.
type DataCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner returns a cleaner with the default rules: finite values,
// non-negative counters, packet-rate repair and duplicate detection.
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}

	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewNonNegativeRule())
	cleaner.AddRule(NewPacketRateRule())
	cleaner.AddRule(NewDuplicateDetectionRule())

	return cleaner
}

func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean returns the rows that passed every rule and the issues raised by the
// rejected ones.
func (dc *DataCleaner) Clean(rows []*FlowRow) ([]*FlowRow, []QualityIssue) {
	var cleaned []*FlowRow
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, row := range rows {
		dc.stats.TotalProcessed++

		original := cloneRow(row)
		var rowIssues []QualityIssue

		for _, rule := range dc.rules {
			fixed, err := rule.Apply(row)
			if err != nil {
				rowIssues = append(rowIssues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Line:      row.Line,
					Timestamp: time.Now(),
				})
				dc.stats.Issues[rule.Name()]++
				continue
			}
			if fixed != nil {
				row = fixed
			}
		}

		if len(rowIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, rowIssues...)
			dc.issuesLock.Lock()
			dc.issues = append(dc.issues, rowIssues...)
			dc.issuesLock.Unlock()
			continue
		}
		if !sameFeatures(original.Features, row.Features) {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, row)
	}

	dc.stats.LastClean = time.Now()
	return cleaned, issues
}

func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues returns the most recent issues, up to limit (all when limit <= 0).
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = nil
}

func cloneRow(row *FlowRow) *FlowRow {
	features := make(map[string]float64, len(row.Features))
	for k, v := range row.Features {
		features[k] = v
	}
	return &FlowRow{Line: row.Line, Features: features}
}

func sameFeatures(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// FiniteValueRule rejects NaN and infinite values.
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule { return &FiniteValueRule{} }

func (r *FiniteValueRule) Name() string { return "finite_value" }

func (r *FiniteValueRule) Apply(row *FlowRow) (*FlowRow, error) {
	for _, name := range sortedKeys(row.Features) {
		v := row.Features[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s is not a finite number", name)
		}
	}
	return row, nil
}

// NonNegativeRule rejects negative durations, packet counts, sizes and
// window bytes. CIC exports use -1 for an unknown initial window, which is
// accepted.
type NonNegativeRule struct {
	Columns       []string
	AllowMinusOne []string
}

func NewNonNegativeRule() *NonNegativeRule {
	return &NonNegativeRule{
		Columns: []string{
			FeatureDuration, FeatureFwdPackets, FeatureBwdPackets, FeaturePacketRate,
			FeatureFwdPktMax, FeatureBwdPktMax, FeatureIATMax,
			FeatureIATMeanMs, FeatureIATStdMs, FeatureAvgPktSize,
		},
		AllowMinusOne: []string{FeatureInitWinFwd, FeatureInitWinBwd},
	}
}

func (r *NonNegativeRule) Name() string { return "non_negative" }

func (r *NonNegativeRule) Apply(row *FlowRow) (*FlowRow, error) {
	for _, name := range r.Columns {
		if v, ok := row.Features[name]; ok && v < 0 {
			return nil, fmt.Errorf("%s is negative (%g)", name, v)
		}
	}
	for _, name := range r.AllowMinusOne {
		if v, ok := row.Features[name]; ok && v < -1 {
			return nil, fmt.Errorf("%s is below -1 (%g)", name, v)
		}
	}
	return row, nil
}

// PacketRateRule fills a zero packet rate from the packet counts and the
// flow duration when both are known.
type PacketRateRule struct{}

func NewPacketRateRule() *PacketRateRule { return &PacketRateRule{} }

func (r *PacketRateRule) Name() string { return "packet_rate" }

func (r *PacketRateRule) Apply(row *FlowRow) (*FlowRow, error) {
	rate, hasRate := row.Features[FeaturePacketRate]
	duration, hasDuration := row.Features[FeatureDuration]
	if !hasRate || rate != 0 || !hasDuration || duration <= 0 {
		return row, nil
	}
	packets := row.Features[FeatureFwdPackets] + row.Features[FeatureBwdPackets]
	if packets == 0 {
		return row, nil
	}
	fixed := cloneRow(row)
	fixed.Features[FeaturePacketRate] = packets / duration
	return fixed, nil
}

// DuplicateDetectionRule rejects rows whose feature values were already seen.
type DuplicateDetectionRule struct {
	seen map[string]int
	mu   sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{seen: make(map[string]int)}
}

func (r *DuplicateDetectionRule) Name() string { return "duplicate_detection" }

func (r *DuplicateDetectionRule) Apply(row *FlowRow) (*FlowRow, error) {
	var b strings.Builder
	for _, name := range sortedKeys(row.Features) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(row.Features[name], 'g', -1, 64))
		b.WriteByte(';')
	}
	key := b.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if first, exists := r.seen[key]; exists {
		return nil, fmt.Errorf("duplicate of line %d", first)
	}
	r.seen[key] = row.Line
	return row, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
