package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
)

const (
	patternsCollection   = "patterns"
	executionsCollection = "executions"

	// executionVectorSize is the fixed placeholder dimension for the
	// executions collection; execution records carry no semantics,
	// chromem just requires every document to have a vector.
	executionVectorSize = 2
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// VectorSize is the embedding dimension. Must match the embedding
	// provider's output dimension.
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/patternd/store"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
}

// ChromemStore implements Store on an embedded chromem-go database.
//
// chromem persists every pattern and execution record as a document
// (full row as JSON metadata, trigger embedding as the vector) and
// serves the semantic candidate path. Row state is mirrored in memory
// for the keyword path and counter updates; a store-level mutex
// serializes mutations, so increments are atomic at the storage layer
// for this single-process backend.
//
// Degraded patterns (no embedding) and execution records are stored
// with a fixed placeholder vector and filtered out of semantic results.
type ChromemStore struct {
	db      *chromem.DB
	patCol  *chromem.Collection
	execCol *chromem.Collection
	config  ChromemConfig
	logger  *zap.Logger

	mu         sync.Mutex
	patterns   map[string]*pattern.Pattern
	executions map[string]*pattern.ExecutionRecord
}

// NewChromemStore opens (or creates) the persistent database and loads
// existing rows into memory.
func NewChromemStore(ctx context.Context, config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrStoreUnavailable, err)
	}

	s := &ChromemStore{
		db:         db,
		config:     config,
		logger:     logger,
		patterns:   make(map[string]*pattern.Pattern),
		executions: make(map[string]*pattern.ExecutionRecord),
	}

	s.patCol, err = db.GetOrCreateCollection(patternsCollection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: patterns collection: %v", ErrStoreUnavailable, err)
	}
	s.execCol, err = db.GetOrCreateCollection(executionsCollection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: executions collection: %v", ErrStoreUnavailable, err)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	logger.Info("chromem store opened",
		zap.String("path", path),
		zap.Int("patterns", len(s.patterns)),
		zap.Int("executions", len(s.executions)))

	return s, nil
}

// precomputedOnly rejects implicit embedding generation; every document
// written by this store carries an explicit vector.
func precomputedOnly(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings must be precomputed")
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// basisVector is the placeholder vector for documents with no real
// embedding.
func basisVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

// load rebuilds the in-memory row state from the persisted collections.
// chromem has no list operation, so rows are enumerated with a
// full-size query against a fixed basis vector.
func (s *ChromemStore) load(ctx context.Context) error {
	if n := s.patCol.Count(); n > 0 {
		results, err := s.patCol.QueryEmbedding(ctx, basisVector(s.config.VectorSize), n, nil, nil)
		if err != nil {
			return fmt.Errorf("%w: loading patterns: %v", ErrStoreUnavailable, err)
		}
		for _, res := range results {
			var p pattern.Pattern
			if err := json.Unmarshal([]byte(res.Metadata["json"]), &p); err != nil {
				s.logger.Warn("skipping unreadable pattern row", zap.String("id", res.ID), zap.Error(err))
				continue
			}
			s.patterns[p.ID] = &p
		}
	}

	if n := s.execCol.Count(); n > 0 {
		results, err := s.execCol.QueryEmbedding(ctx, basisVector(executionVectorSize), n, nil, nil)
		if err != nil {
			return fmt.Errorf("%w: loading executions: %v", ErrStoreUnavailable, err)
		}
		for _, res := range results {
			var rec pattern.ExecutionRecord
			if err := json.Unmarshal([]byte(res.Metadata["json"]), &rec); err != nil {
				s.logger.Warn("skipping unreadable execution row", zap.String("id", res.ID), zap.Error(err))
				continue
			}
			s.executions[rec.ID] = &rec
		}
	}

	return nil
}

// persistPattern writes p to the patterns collection. Caller holds s.mu.
func (s *ChromemStore) persistPattern(ctx context.Context, p *pattern.Pattern) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling pattern: %w", err)
	}

	vec := p.Embedding
	if vec == nil {
		vec = basisVector(s.config.VectorSize)
	}

	// Delete-then-add is the overwrite idiom; chromem has no in-place
	// update.
	_ = s.patCol.Delete(ctx, nil, nil, p.ID)
	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.TriggerText,
		Embedding: vec,
		Metadata:  map[string]string{"json": string(raw)},
	}
	if err := s.patCol.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("%w: persisting pattern: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// persistExecution writes rec to the executions collection. Caller holds s.mu.
func (s *ChromemStore) persistExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	_ = s.execCol.Delete(ctx, nil, nil, rec.ID)
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.ConversationID,
		Embedding: basisVector(executionVectorSize),
		Metadata:  map[string]string{"json": string(raw)},
	}
	if err := s.execCol.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("%w: persisting execution: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// FindCandidates ranks active patterns by similarity to the query.
func (s *ChromemStore) FindCandidates(ctx context.Context, sig signature.Signature, vector []float32, topK int) ([]Candidate, error) {
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
func (s *ChromemStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
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
func (s *ChromemStore) Upsert(ctx context.Context, p *pattern.Pattern, dedupThreshold float64) (*UpsertResult, error) {
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
		if err := s.persistPattern(ctx, best); err != nil {
			return nil, err
		}
		return &UpsertResult{Pattern: *best, Merged: true}, nil
	}

	cp := *p
	if err := s.persistPattern(ctx, &cp); err != nil {
		return nil, err
	}
	s.patterns[cp.ID] = &cp
	return &UpsertResult{Pattern: cp, Merged: false}, nil
}

// RecordExecution atomically increments the execution counter.
func (s *ChromemStore) RecordExecution(ctx context.Context, patternID string) error {
	return s.mutatePattern(ctx, patternID, func(p *pattern.Pattern) {
		p.ExecutionCount++
		p.LastSeenAt = time.Now()
	})
}

// MarkSuccess atomically increments the success counter.
func (s *ChromemStore) MarkSuccess(ctx context.Context, patternID string) error {
	return s.mutatePattern(ctx, patternID, func(p *pattern.Pattern) {
		p.SuccessCount++
	})
}

// UpdateConfidence applies a clamped delta and returns the new value.
func (s *ChromemStore) UpdateConfidence(ctx context.Context, patternID string, delta float64) (float64, error) {
	var newScore float64
	err := s.mutatePattern(ctx, patternID, func(p *pattern.Pattern) {
		p.Confidence = pattern.ClampConfidence(p.Confidence + delta)
		newScore = p.Confidence
	})
	return newScore, err
}

// UpdateTemplate replaces the pattern's response template.
func (s *ChromemStore) UpdateTemplate(ctx context.Context, patternID, responseTemplate string) error {
	return s.mutatePattern(ctx, patternID, func(p *pattern.Pattern) {
		p.ResponseTemplate = responseTemplate
	})
}

// Deactivate soft-retires a pattern.
func (s *ChromemStore) Deactivate(ctx context.Context, patternID string) error {
	return s.mutatePattern(ctx, patternID, func(p *pattern.Pattern) {
		p.Active = false
	})
}

// mutatePattern applies fn under the store mutex and persists the result.
func (s *ChromemStore) mutatePattern(ctx context.Context, patternID string, fn func(*pattern.Pattern)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[patternID]
	if !ok {
		return ErrPatternNotFound
	}
	fn(p)
	return s.persistPattern(ctx, p)
}

// ListActive returns copies of all active patterns.
func (s *ChromemStore) ListActive(ctx context.Context) ([]pattern.Pattern, error) {
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
func (s *ChromemStore) InsertExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if err := s.persistExecution(ctx, &cp); err != nil {
		return err
	}
	s.executions[cp.ID] = &cp
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *ChromemStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
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
func (s *ChromemStore) FinalizeExecution(ctx context.Context, id string, action pattern.Action, responseSent, modification string, outcome pattern.Outcome) error {
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
	return s.persistExecution(ctx, rec)
}

// ListPendingSuggestions returns non-terminal suggestions, oldest first.
func (s *ChromemStore) ListPendingSuggestions(ctx context.Context) ([]pattern.ExecutionRecord, error) {
	return s.listPending(time.Time{})
}

// ListPendingOlderThan returns non-terminal suggestions created before cutoff.
func (s *ChromemStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]pattern.ExecutionRecord, error) {
	return s.listPending(cutoff)
}

func (s *ChromemStore) listPending(cutoff time.Time) ([]pattern.ExecutionRecord, error) {
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

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
