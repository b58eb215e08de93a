package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket rate limit. Used by
// the batch importer to respect external embedding quotas; the request
// path should not be wrapped (it relies on bounded per-call timeouts
// instead).
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited creates a rate-limiting decorator allowing rps calls
// per second with the given burst.
func NewRateLimited(inner Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// EmbedQuery waits for the limiter, then delegates.
func (r *RateLimited) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.inner.EmbedQuery(ctx, text)
}

// Dimension returns the inner provider's dimension.
func (r *RateLimited) Dimension() int {
	return r.inner.Dimension()
}

var _ Provider = (*RateLimited)(nil)
