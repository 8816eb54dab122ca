package ml

import (
	"slices"
	"sync"
)

type OrderSource string

const (
	OrderFromScaler     OrderSource = "scaler"
	OrderFromClassifier OrderSource = "classifier"
	OrderFromRequest    OrderSource = "request"
)

// FeatureOrder is the single column order used for every vector in the
// process. A declared order is fixed at construction. Otherwise the sorted
// keys of the first request become the order and stay frozen, even when
// later requests carry different keys.
type FeatureOrder struct {
	once   sync.Once
	mu     sync.RWMutex
	names  []string
	source OrderSource
}

// ResolveFeatureOrder picks the scaler's declared order, then the
// classifier's, and defers to the first request when neither declares one.
func ResolveFeatureOrder(a *Artifacts) *FeatureOrder {
	if names := declaredNames(a.Scaler); len(names) > 0 {
		return fixedOrder(names, OrderFromScaler)
	}
	if names := declaredNames(a.Classifier); len(names) > 0 {
		return fixedOrder(names, OrderFromClassifier)
	}
	return &FeatureOrder{}
}

func fixedOrder(names []string, source OrderSource) *FeatureOrder {
	o := &FeatureOrder{names: slices.Clone(names), source: source}
	o.once.Do(func() {})
	return o
}

// Resolve returns the frozen order, committing it from features if this is
// the first call and no order was declared.
func (o *FeatureOrder) Resolve(features map[string]float64) ([]string, bool) {
	committed := false
	o.once.Do(func() {
		names := make([]string, 0, len(features))
		for name := range features {
			names = append(names, name)
		}
		slices.Sort(names)
		o.mu.Lock()
		o.names = names
		o.source = OrderFromRequest
		o.mu.Unlock()
		committed = true
	})
	return o.names, committed
}

// Names reports the order if it has been fixed. It never commits one.
func (o *FeatureOrder) Names() ([]string, OrderSource, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.source == "" {
		return nil, "", false
	}
	return slices.Clone(o.names), o.source, true
}
