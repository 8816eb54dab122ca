package ml

import (
	"context"
	"slices"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedPredictor memoizes results for identical feature maps. Artifacts and
// the feature order never change after startup, so a hit is always the
// answer the wrapped predictor would give.
type CachedPredictor struct {
	next  Predictor
	cache *lru.Cache[string, Result]
}

// NewCachedPredictor wraps next with an LRU of the given size. A size of zero
// or less disables caching and returns next unchanged.
func NewCachedPredictor(next Predictor, size int) (Predictor, error) {
	if size <= 0 {
		return next, nil
	}
	cache, err := lru.New[string, Result](size)
	if err != nil {
		return nil, err
	}
	return &CachedPredictor{next: next, cache: cache}, nil
}

func (c *CachedPredictor) Predict(ctx context.Context, features map[string]float64) (*Result, error) {
	key := cacheKey(features)
	if res, ok := c.cache.Get(key); ok {
		return cloneResult(res), nil
	}
	res, err := c.next.Predict(ctx, features)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *cloneResult(*res))
	return res, nil
}

func (c *CachedPredictor) Len() int { return c.cache.Len() }

func cacheKey(features map[string]float64) string {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(features[name], 'g', -1, 64))
		b.WriteByte(';')
	}
	return b.String()
}

func cloneResult(r Result) *Result {
	out := r
	if r.Confidence != nil {
		c := *r.Confidence
		out.Confidence = &c
	}
	out.Notes = slices.Clone(r.Notes)
	return &out
}
