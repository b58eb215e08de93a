// Package embeddings provides text embedding generation for semantic
// pattern matching.
//
// The engine treats the embedding provider as an unreliable external
// dependency: every failure surfaces as ErrProviderUnavailable and
// callers degrade to keyword-only matching instead of failing the
// request. Calls carry a monetary and latency cost, so the Cached
// decorator should wrap any provider used on the request path.
package embeddings

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrProviderUnavailable indicates the external embedding service
	// errored or timed out. Callers must treat this as "semantic search
	// disabled for this call", not as a request failure.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")
)

// Provider generates fixed-length embedding vectors from text.
type Provider interface {
	// EmbedQuery generates an embedding for a single text.
	// Returns ErrProviderUnavailable when the backing service fails.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int
}

// Cosine computes cosine similarity between two vectors, mapped from
// [-1,1] into [0,1] so it composes directly with confidence scores.
// Mismatched lengths or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}
