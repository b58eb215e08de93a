package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
)

func newPattern(t *testing.T, trigger, response string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.New(trigger, response, pattern.TypeFAQ, pattern.SourceManual)
	require.NoError(t, err)
	p.TriggerSignature = string(signature.Normalize(trigger))
	return p
}

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := newPattern(t, "what are your hours", "We're open 9am-9pm")
	res, err := s.Upsert(ctx, p, 0.85)
	require.NoError(t, err)
	assert.False(t, res.Merged)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.TriggerText, got.TriggerText)

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestMemoryStoreUpsertMergesNearDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	existing := newPattern(t, "what are your hours", "We're open 9am-9pm")
	existing.Confidence = 0.4
	existing.Embedding = []float32{1, 0}
	_, err := s.Upsert(ctx, existing, 0.85)
	require.NoError(t, err)

	dup := newPattern(t, "what are your hours?", "Open 9 to 9")
	dup.Confidence = 0.7
	res, err := s.Upsert(ctx, dup, 0.85)
	require.NoError(t, err)

	assert.True(t, res.Merged)
	assert.Equal(t, existing.ID, res.Pattern.ID)
	// Merge raises the confidence floor but keeps the original template.
	assert.Equal(t, 0.7, res.Pattern.Confidence)
	assert.Equal(t, "We're open 9am-9pm", res.Pattern.ResponseTemplate)

	all, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStoreMergeBackfillsEmbedding(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	degraded := newPattern(t, "simulator frozen in bay 2", "Try the reset switch")
	degraded.Degraded = true
	_, err := s.Upsert(ctx, degraded, 0.85)
	require.NoError(t, err)

	dup := newPattern(t, "simulator frozen in bay 5", "Try the reset switch")
	dup.Embedding = []float32{0.3, 0.4}
	res, err := s.Upsert(ctx, dup, 0.85)
	require.NoError(t, err)

	assert.True(t, res.Merged)
	assert.Equal(t, []float32{0.3, 0.4}, res.Pattern.Embedding)
	assert.False(t, res.Pattern.Degraded)
}

func TestMemoryStoreUpsertRevivesInactiveDegraded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	degraded := newPattern(t, "what are your hours", "9am-9pm")
	degraded.Degraded = true
	degraded.Active = false
	_, err := s.Upsert(ctx, degraded, 0.85)
	require.NoError(t, err)

	dup := newPattern(t, "what are your hours?", "9am-9pm")
	dup.Embedding = []float32{1, 0}
	res, err := s.Upsert(ctx, dup, 0.85)
	require.NoError(t, err)

	assert.True(t, res.Merged, "inactive degraded rows are merge targets")
	assert.Equal(t, degraded.ID, res.Pattern.ID)
	assert.True(t, res.Pattern.Active, "embedding backfill reactivates the pattern")
	assert.False(t, res.Pattern.Degraded)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, degraded.ID, active[0].ID)
}

func TestMemoryStoreUpsertSkipsSoftRetired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	retired := newPattern(t, "what are your hours", "9am-9pm")
	_, err := s.Upsert(ctx, retired, 0.85)
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, retired.ID))

	dup := newPattern(t, "what are your hours?", "9am-9pm")
	dup.Embedding = []float32{1, 0}
	res, err := s.Upsert(ctx, dup, 0.85)
	require.NoError(t, err)

	assert.False(t, res.Merged, "retired patterns stay retired")
	assert.NotEqual(t, retired.ID, res.Pattern.ID)
}

func TestMemoryStoreFindCandidatesKeyword(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	hours := newPattern(t, "what are your hours", "9am-9pm")
	frozen := newPattern(t, "my simulator is frozen", "Try the reset switch")
	for _, p := range []*pattern.Pattern{hours, frozen} {
		_, err := s.Upsert(ctx, p, 0.85)
		require.NoError(t, err)
	}

	cands, err := s.FindCandidates(ctx, signature.Normalize("what are your hours?"), nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, hours.ID, cands[0].Pattern.ID)
	assert.InDelta(t, 1.0, cands[0].Similarity, 1e-9)
}

func TestMemoryStoreFindCandidatesSemanticExcludesNilEmbeddings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	embedded := newPattern(t, "what are your hours", "9am-9pm")
	embedded.Embedding = []float32{1, 0}
	bare := newPattern(t, "my simulator is frozen", "Try the reset switch")
	for _, p := range []*pattern.Pattern{embedded, bare} {
		_, err := s.Upsert(ctx, p, 0.85)
		require.NoError(t, err)
	}

	cands, err := s.FindCandidates(ctx, "", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, embedded.ID, cands[0].Pattern.ID)
}

func TestMemoryStoreFindCandidatesExcludesInactive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := newPattern(t, "what are your hours", "9am-9pm")
	_, err := s.Upsert(ctx, p, 0.85)
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, p.ID))

	cands, err := s.FindCandidates(ctx, signature.Normalize("what are your hours"), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestMemoryStoreAtomicCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := newPattern(t, "what are your hours", "9am-9pm")
	_, err := s.Upsert(ctx, p, 0.85)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RecordExecution(ctx, p.ID))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.ExecutionCount)
}

func TestMemoryStoreUpdateConfidenceClamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := newPattern(t, "trigger text", "response")
	p.Confidence = 0.95
	_, err := s.Upsert(ctx, p, 0.85)
	require.NoError(t, err)

	score, err := s.UpdateConfidence(ctx, p.ID, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = s.UpdateConfidence(ctx, p.ID, -3.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestMemoryStoreFinalizeExecutionOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := pattern.NewExecutionRecord("pat-1", "conv-1", 0.7, pattern.ActionSuggested)
	require.NoError(t, err)
	require.NoError(t, s.InsertExecution(ctx, rec))

	err = s.FinalizeExecution(ctx, rec.ID, pattern.ActionRejected, "", "", pattern.OutcomeEscalated)
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, pattern.ActionRejected, got.ActionTaken)

	err = s.FinalizeExecution(ctx, rec.ID, pattern.ActionModified, "x", "x", pattern.OutcomeResolved)
	assert.ErrorIs(t, err, pattern.ErrRecordFinalized)
}

func TestMemoryStoreListPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old, err := pattern.NewExecutionRecord("pat-1", "conv-1", 0.7, pattern.ActionSuggested)
	require.NoError(t, err)
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	fresh, err := pattern.NewExecutionRecord("pat-1", "conv-2", 0.7, pattern.ActionSuggested)
	require.NoError(t, err)
	auto, err := pattern.NewExecutionRecord("pat-1", "conv-3", 0.9, pattern.ActionAutoSent)
	require.NoError(t, err)

	for _, rec := range []*pattern.ExecutionRecord{fresh, old, auto} {
		require.NoError(t, s.InsertExecution(ctx, rec))
	}

	pending, err := s.ListPendingSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "auto_sent records are not pending suggestions")
	assert.Equal(t, old.ID, pending[0].ID, "oldest first")

	stale, err := s.ListPendingOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestMemoryStoreUpdateTemplate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := newPattern(t, "simulator frozen", "Try turning it off and on")
	_, err := s.Upsert(ctx, p, 0.85)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTemplate(ctx, p.ID, "Hold the reset button for 5 seconds"))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hold the reset button for 5 seconds", got.ResponseTemplate)
}
