package store

import (
	"context"
	"sync"
	"time"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
)

// MemoryStore is an in-process Store used in tests and single-process
// development. A single mutex is the storage layer here, so counter and
// confidence updates are atomic by construction.
type MemoryStore struct {
	mu         sync.Mutex
	patterns   map[string]*pattern.Pattern
	executions map[string]*pattern.ExecutionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:   make(map[string]*pattern.Pattern),
		executions: make(map[string]*pattern.ExecutionRecord),
	}
}

// FindCandidates ranks active patterns by similarity to the query.
func (s *MemoryStore) FindCandidates(ctx context.Context, sig signature.Signature, vector []float32, topK int) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cands []Candidate
	for _, p := range s.patterns {
		if !p.Active {
			continue
		}
		var sim float64
		if vector != nil {
			if p.Embedding == nil {
				continue
			}
			sim = embeddings.Cosine(vector, p.Embedding)
		} else {
			sim = signature.Similarity(sig, signature.Signature(p.TriggerSignature))
		}
		cands = append(cands, Candidate{Pattern: *p, Similarity: sim})
	}

	return rankCandidates(cands, topK), nil
}

// Get retrieves a pattern by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrPatternNotFound
	}
	cp := *p
	return &cp, nil
}

// Upsert inserts p or merges it into the nearest duplicate. Inactive
// degraded rows count as duplicates too; soft-retired patterns do not.
func (s *MemoryStore) Upsert(ctx context.Context, p *pattern.Pattern, dedupThreshold float64) (*UpsertResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *pattern.Pattern
	var bestSim float64
	for _, existing := range s.patterns {
		if (!existing.Active && !existing.Degraded) || existing.ID == p.ID {
			continue
		}
		sim := signature.Similarity(
			signature.Signature(p.TriggerSignature),
			signature.Signature(existing.TriggerSignature),
		)
		if sim >= dedupThreshold && (best == nil || sim > bestSim ||
			(sim == bestSim && existing.ExecutionCount > best.ExecutionCount)) {
			best = existing
			bestSim = sim
		}
	}

	if best != nil {
		mergeInto(best, p, time.Now())
		cp := *best
		return &UpsertResult{Pattern: cp, Merged: true}, nil
	}

	cp := *p
	s.patterns[cp.ID] = &cp
	out := cp
	return &UpsertResult{Pattern: out, Merged: false}, nil
}

// RecordExecution atomically increments the execution counter.
func (s *MemoryStore) RecordExecution(ctx context.Context, patternID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return ErrPatternNotFound
	}
	p.ExecutionCount++
	p.LastSeenAt = time.Now()
	return nil
}

// MarkSuccess atomically increments the success counter.
func (s *MemoryStore) MarkSuccess(ctx context.Context, patternID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return ErrPatternNotFound
	}
	p.SuccessCount++
	return nil
}

// UpdateConfidence applies a clamped delta and returns the new value.
func (s *MemoryStore) UpdateConfidence(ctx context.Context, patternID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return 0, ErrPatternNotFound
	}
	p.Confidence = pattern.ClampConfidence(p.Confidence + delta)
	return p.Confidence, nil
}

// UpdateTemplate replaces the pattern's response template.
func (s *MemoryStore) UpdateTemplate(ctx context.Context, patternID, responseTemplate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return ErrPatternNotFound
	}
	p.ResponseTemplate = responseTemplate
	return nil
}

// Deactivate soft-retires a pattern.
func (s *MemoryStore) Deactivate(ctx context.Context, patternID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return ErrPatternNotFound
	}
	p.Active = false
	return nil
}

// ListActive returns copies of all active patterns.
func (s *MemoryStore) ListActive(ctx context.Context) ([]pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pattern.Pattern
	for _, p := range s.patterns {
		if p.Active {
			out = append(out, *p)
		}
	}
	return out, nil
}

// InsertExecution stores a new execution record.
func (s *MemoryStore) InsertExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.executions[cp.ID] = &cp
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *rec
	return &cp, nil
}

// FinalizeExecution applies the single terminal transition.
func (s *MemoryStore) FinalizeExecution(ctx context.Context, id string, action pattern.Action, responseSent, modification string, outcome pattern.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if rec.Terminal {
		return pattern.ErrRecordFinalized
	}
	now := time.Now()
	rec.ActionTaken = action
	if responseSent != "" {
		rec.ResponseSent = responseSent
	}
	rec.OperatorModification = modification
	rec.Outcome = outcome
	rec.Terminal = true
	rec.ResolvedAt = &now
	return nil
}

// ListPendingSuggestions returns non-terminal suggestions, oldest first.
func (s *MemoryStore) ListPendingSuggestions(ctx context.Context) ([]pattern.ExecutionRecord, error) {
	return s.listPending(time.Time{})
}

// ListPendingOlderThan returns non-terminal suggestions created before cutoff.
func (s *MemoryStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]pattern.ExecutionRecord, error) {
	return s.listPending(cutoff)
}

func (s *MemoryStore) listPending(cutoff time.Time) ([]pattern.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pattern.ExecutionRecord
	for _, rec := range s.executions {
		if !rec.Pending() {
			continue
		}
		if !cutoff.IsZero() && !rec.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	sortExecutionsByCreated(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
