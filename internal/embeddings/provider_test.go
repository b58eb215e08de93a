package embeddings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	opposite := []float32{-1, 0, 0}
	orthogonal := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, 0.0, Cosine(a, opposite), 1e-9)
	assert.InDelta(t, 0.5, Cosine(a, orthogonal), 1e-9)

	assert.Equal(t, 0.0, Cosine(a, []float32{1, 0}), "mismatched lengths")
	assert.Equal(t, 0.0, Cosine(a, []float32{0, 0, 0}), "zero vector")
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestServiceEmbedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL, Model: "test-model", APIKey: "test-key", Dimension: 3})
	require.NoError(t, err)

	vec, err := svc.EmbedQuery(context.Background(), "what are your hours")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, svc.Dimension())
}

func TestServiceFailuresAreProviderUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json")) //nolint:errcheck
			},
		},
		{
			name: "empty data",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"data":[]}`)) //nolint:errcheck
			},
		},
		{
			name: "wrong dimension",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}]}`)) //nolint:errcheck
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			svc, err := NewService(Config{BaseURL: srv.URL, Model: "m", Dimension: 3})
			require.NoError(t, err)

			_, err = svc.EmbedQuery(context.Background(), "text")
			assert.ErrorIs(t, err, ErrProviderUnavailable)
		})
	}
}

func TestServiceEmptyInput(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://localhost:1", Model: "m", Dimension: 3})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestCachedAvoidsRepeatCalls(t *testing.T) {
	inner := NewWordBag("hours", "open", "cancel")
	cached := NewCached(inner, 2)

	ctx := context.Background()
	_, err := cached.EmbedQuery(ctx, "what are your hours")
	require.NoError(t, err)
	_, err = cached.EmbedQuery(ctx, "what are your hours")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.Calls())

	// Eviction is FIFO once the bound is hit.
	_, err = cached.EmbedQuery(ctx, "are you open")
	require.NoError(t, err)
	_, err = cached.EmbedQuery(ctx, "cancel it")
	require.NoError(t, err)
	_, err = cached.EmbedQuery(ctx, "what are your hours")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.Calls())
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	inner := NewWordBag("hours")
	cached := NewCached(inner, 8)
	ctx := context.Background()

	inner.Unavailable.Store(true)
	_, err := cached.EmbedQuery(ctx, "what are your hours")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	inner.Unavailable.Store(false)
	vec, err := cached.EmbedQuery(ctx, "what are your hours")
	require.NoError(t, err)
	assert.NotNil(t, vec)
}

func TestWordBagDeterministic(t *testing.T) {
	bag := NewWordBag("hours", "open", "cancel")

	a, err := bag.EmbedQuery(context.Background(), "what are your HOURS?")
	require.NoError(t, err)
	b, err := bag.EmbedQuery(context.Background(), "what are your hours")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Equal(t, 3, bag.Dimension())
}
