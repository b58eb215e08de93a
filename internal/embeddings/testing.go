package embeddings

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// WordBag is a deterministic Provider for tests. It embeds text as an
// L2-normalized bag-of-words vector over a fixed vocabulary, so texts
// sharing vocabulary words score high cosine similarity and unrelated
// texts score near zero. No network, no randomness.
type WordBag struct {
	vocab map[string]int
	dim   int

	// Unavailable, when set, makes every call fail with
	// ErrProviderUnavailable. Used to exercise keyword-only degradation.
	Unavailable atomic.Bool

	mu    sync.Mutex
	calls int
}

// NewWordBag creates a test embedder over the given vocabulary.
func NewWordBag(vocab ...string) *WordBag {
	m := make(map[string]int, len(vocab))
	for i, w := range vocab {
		m[strings.ToLower(w)] = i
	}
	return &WordBag{vocab: m, dim: len(vocab)}
}

// EmbedQuery embeds text as normalized vocabulary word counts.
func (w *WordBag) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if w.Unavailable.Load() {
		return nil, ErrProviderUnavailable
	}
	if text == "" {
		return nil, ErrEmptyInput
	}

	w.mu.Lock()
	w.calls++
	w.mu.Unlock()

	vec := make([]float32, w.dim)
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' {
			return r
		}
		return ' '
	}, strings.ToLower(text))

	var norm float64
	for _, tok := range strings.Fields(cleaned) {
		if idx, ok := w.vocab[tok]; ok {
			vec[idx]++
		}
	}
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Dimension returns the vocabulary size.
func (w *WordBag) Dimension() int {
	return w.dim
}

// Calls returns the number of successful EmbedQuery invocations.
// Useful for asserting cache behavior.
func (w *WordBag) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

var _ Provider = (*WordBag)(nil)
