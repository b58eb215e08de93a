// Package store persists patterns and execution records and serves
// similarity queries over them.
//
// Three backends implement the Store interface:
//   - MemoryStore: mutex-guarded in-process maps (tests, development)
//   - ChromemStore: embedded chromem-go persistence (single-node)
//   - PostgresStore: pgx-backed Postgres (production; counter and
//     confidence updates are atomic SQL, keyword ranking uses pg_trgm)
//
// Counter updates are atomic at the storage layer in every backend:
// concurrent RecordExecution calls for the same pattern never lose
// increments.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
)

// Sentinel errors for store operations.
var (
	// ErrStoreUnavailable indicates the persistence layer failed.
	// Not locally recoverable; callers escalate to a human queue.
	ErrStoreUnavailable = errors.New("pattern store unavailable")

	// ErrPatternNotFound is returned when a pattern ID does not exist.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrExecutionNotFound is returned when an execution record ID does
	// not exist.
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// Candidate is a pattern ranked by similarity to a query.
type Candidate struct {
	Pattern pattern.Pattern

	// Similarity is in [0,1]: cosine similarity on the semantic path,
	// trigram similarity on the keyword path.
	Similarity float64
}

// UpsertResult reports whether an upsert created a new pattern or
// merged into an existing near-duplicate.
type UpsertResult struct {
	Pattern pattern.Pattern
	Merged  bool
}

// Patterns is the pattern persistence contract.
type Patterns interface {
	// FindCandidates returns up to topK active patterns ranked by
	// similarity. With a vector, ranking is cosine over embeddings and
	// patterns without embeddings are excluded. Without a vector,
	// ranking is trigram similarity between sig and trigger_signature.
	// Ties break deterministically: execution count desc, then ID.
	FindCandidates(ctx context.Context, sig signature.Signature, vector []float32, topK int) ([]Candidate, error)

	// Get retrieves a pattern by ID.
	Get(ctx context.Context, id string) (*pattern.Pattern, error)

	// Upsert inserts p, or merges it into an existing pattern whose
	// trigger signature similarity is >= dedupThreshold. Active
	// patterns and inactive degraded rows are both merge targets, so
	// re-importing a degraded row never duplicates it. Merging
	// reinforces the existing pattern (last-seen touch, confidence
	// floor raise, embedding backfill); backfilling an embedding into
	// a degraded pattern reactivates it.
	Upsert(ctx context.Context, p *pattern.Pattern, dedupThreshold float64) (*UpsertResult, error)

	// RecordExecution atomically increments execution_count and touches
	// last_seen_at.
	RecordExecution(ctx context.Context, patternID string) error

	// MarkSuccess atomically increments success_count. Called when an
	// execution's outcome turns out positive.
	MarkSuccess(ctx context.Context, patternID string) error

	// UpdateConfidence applies delta to the pattern's confidence,
	// clamped into [0,1], and returns the new value. Applied as a delta
	// at the storage layer, never read-modify-write above it.
	UpdateConfidence(ctx context.Context, patternID string, delta float64) (float64, error)

	// UpdateTemplate replaces the pattern's response template. Used when
	// recurring operator modifications converge on a better response.
	UpdateTemplate(ctx context.Context, patternID, responseTemplate string) error

	// Deactivate soft-retires a pattern. Its execution history is
	// untouched and it never appears in FindCandidates again.
	Deactivate(ctx context.Context, patternID string) error

	// ListActive returns all active patterns (decay job input).
	ListActive(ctx context.Context) ([]pattern.Pattern, error)
}

// Executions is the execution-record persistence contract. Records are
// an append-only audit trail: one terminal transition, immutable after.
type Executions interface {
	InsertExecution(ctx context.Context, rec *pattern.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)

	// FinalizeExecution applies the single allowed terminal transition.
	// Returns pattern.ErrRecordFinalized if the record is already
	// terminal.
	FinalizeExecution(ctx context.Context, id string, action pattern.Action, responseSent, modification string, outcome pattern.Outcome) error

	// ListPendingSuggestions returns non-terminal suggested records,
	// oldest first.
	ListPendingSuggestions(ctx context.Context) ([]pattern.ExecutionRecord, error)

	// ListPendingOlderThan returns non-terminal suggested records
	// created before cutoff (timeout sweep input).
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]pattern.ExecutionRecord, error)
}

// Store combines pattern and execution persistence.
type Store interface {
	Patterns
	Executions
	Close() error
}

// rankCandidates sorts candidates by similarity desc, breaking ties by
// execution count desc then ID asc, and truncates to topK. Shared by
// backends that rank client-side.
func rankCandidates(cands []Candidate, topK int) []Candidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		if cands[i].Pattern.ExecutionCount != cands[j].Pattern.ExecutionCount {
			return cands[i].Pattern.ExecutionCount > cands[j].Pattern.ExecutionCount
		}
		return cands[i].Pattern.ID < cands[j].Pattern.ID
	})
	if topK > 0 && len(cands) > topK {
		cands = cands[:topK]
	}
	return cands
}

// sortExecutionsByCreated orders records oldest first, with ID as a
// deterministic tie-break.
func sortExecutionsByCreated(recs []pattern.ExecutionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// mergeInto reinforces dst with the fields of a near-duplicate src:
// last-seen touch, confidence floor raise, embedding backfill. dst is
// always the pattern that already carries counters. Backfilling an
// embedding clears the degraded flag and reactivates the pattern.
func mergeInto(dst *pattern.Pattern, src *pattern.Pattern, now time.Time) {
	dst.LastSeenAt = now
	if src.Confidence > dst.Confidence {
		dst.Confidence = pattern.ClampConfidence(src.Confidence)
	}
	if dst.Embedding == nil && src.Embedding != nil {
		dst.Embedding = src.Embedding
		dst.Degraded = false
		dst.Active = true
	}
}
