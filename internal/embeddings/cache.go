package embeddings

import (
	"context"
	"sync"
)

// Cached wraps a Provider with a bounded in-memory cache keyed by the
// exact input text. Recurring queries (contextual queries repeat when a
// customer re-sends the same short message) skip the paid external call.
type Cached struct {
	inner      Provider
	maxEntries int

	mu    sync.Mutex
	cache map[string][]float32
	order []string
}

// NewCached creates a caching decorator. maxEntries <= 0 defaults to 512.
func NewCached(inner Provider, maxEntries int) *Cached {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Cached{
		inner:      inner,
		maxEntries: maxEntries,
		cache:      make(map[string][]float32, maxEntries),
	}
}

// EmbedQuery returns the cached vector for text, or delegates to the
// inner provider. Failures are not cached; the next call retries.
func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if vec, ok := c.cache[text]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.cache[text]; !ok {
		// FIFO eviction keeps the cache bounded; recency tracking is
		// not worth the bookkeeping for this workload.
		if len(c.order) >= c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.cache, oldest)
		}
		c.cache[text] = vec
		c.order = append(c.order, text)
	}
	c.mu.Unlock()

	return vec, nil
}

// Dimension returns the inner provider's dimension.
func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}

var _ Provider = (*Cached)(nil)
