package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
)

// semanticScanLimit bounds how many embedded patterns are pulled for
// client-side cosine ranking. Facility pattern stores run in the
// hundreds to low thousands, so a full scan at this cap stays cheap.
const semanticScanLimit = 5000

// PostgresConfig holds configuration for the Postgres-backed store.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string `koanf:"dsn"`

	// MaxConns caps the connection pool size. Default: 8.
	MaxConns int32 `koanf:"max_conns"`
}

// PostgresStore implements Store on Postgres via pgx.
//
// Counter and confidence updates are single SQL statements
// (execution_count = execution_count + 1, GREATEST/LEAST clamping), so
// concurrent conversations never lose updates. The keyword candidate
// path ranks with pg_trgm similarity(); the semantic path pulls
// embedded rows and ranks by cosine client-side.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// schema is applied by EnsureSchema. Idempotent; full migration
// tooling is deliberately out of scope.
const schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS patterns (
	id UUID PRIMARY KEY,
	trigger_signature TEXT NOT NULL,
	trigger_text TEXT NOT NULL,
	response_template TEXT NOT NULL,
	pattern_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	embedding REAL[],
	confidence_score DOUBLE PRECISION NOT NULL,
	auto_executable BOOLEAN NOT NULL DEFAULT FALSE,
	execution_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	degraded BOOLEAN NOT NULL DEFAULT FALSE,
	learned_from TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS patterns_signature_trgm
	ON patterns USING gin (trigger_signature gin_trgm_ops);
CREATE INDEX IF NOT EXISTS patterns_active
	ON patterns (is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS pattern_executions (
	id UUID PRIMARY KEY,
	pattern_id UUID NOT NULL,
	conversation_id TEXT NOT NULL,
	matched_confidence DOUBLE PRECISION NOT NULL,
	action_taken TEXT NOT NULL,
	response_sent TEXT NOT NULL DEFAULT '',
	operator_modification TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	terminal BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS pattern_executions_pending
	ON pattern_executions (created_at) WHERE NOT terminal AND action_taken = 'suggested';
`

const patternColumns = `id, trigger_signature, trigger_text, response_template,
	pattern_type, action_type, embedding, confidence_score, auto_executable,
	execution_count, success_count, is_active, degraded, learned_from,
	created_at, last_seen_at`

const executionColumns = `id, pattern_id, conversation_id, matched_confidence,
	action_taken, response_sent, operator_modification, outcome, terminal,
	created_at, resolved_at`

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres DSN required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing DSN: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.Info("postgres store connected", zap.Int32("max_conns", poolCfg.MaxConns))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// EnsureSchema creates tables and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: applying schema: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// FindCandidates ranks active patterns by similarity to the query.
func (s *PostgresStore) FindCandidates(ctx context.Context, sig signature.Signature, vector []float32, topK int) ([]Candidate, error) {
	if vector != nil {
		return s.findSemantic(ctx, vector, topK)
	}
	return s.findKeyword(ctx, sig, topK)
}

func (s *PostgresStore) findSemantic(ctx context.Context, vector []float32, topK int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+patternColumns+`
		FROM patterns
		WHERE is_active AND embedding IS NOT NULL
		LIMIT $1`, semanticScanLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning pattern: %v", ErrStoreUnavailable, err)
		}
		cands = append(cands, Candidate{Pattern: *p, Similarity: embeddings.Cosine(vector, p.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rankCandidates(cands, topK), nil
}

func (s *PostgresStore) findKeyword(ctx context.Context, sig signature.Signature, topK int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+patternColumns+`,
		similarity(trigger_signature, $1) AS sim
		FROM patterns
		WHERE is_active
		ORDER BY sim DESC, execution_count DESC, id ASC
		LIMIT $2`, string(sig), topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var c Candidate
		p, err := scanPatternWith(rows, &c.Similarity)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning pattern: %v", ErrStoreUnavailable, err)
		}
		c.Pattern = *p
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return cands, nil
}

// Get retrieves a pattern by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1`, id)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return p, nil
}

// Upsert inserts p or merges it into the nearest duplicate, where
// inactive degraded rows count as duplicates and soft-retired patterns
// do not. Candidate lookup and merge run inside one transaction.
func (s *PostgresStore) Upsert(ctx context.Context, p *pattern.Pattern, dedupThreshold float64) (*UpsertResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// Highest-similarity near-duplicate, preferring the more
	// battle-tested pattern on ties.
	row := tx.QueryRow(ctx, `SELECT `+patternColumns+`
		FROM patterns
		WHERE (is_active OR degraded) AND id <> $1
			AND similarity(trigger_signature, $2) >= $3
		ORDER BY similarity(trigger_signature, $2) DESC,
			confidence_score DESC, execution_count DESC
		LIMIT 1
		FOR UPDATE`, p.ID, p.TriggerSignature, dedupThreshold)

	existing, err := scanPattern(row)
	switch {
	case err == nil:
		mergeInto(existing, p, time.Now())
		_, err = tx.Exec(ctx, `UPDATE patterns SET
				confidence_score = $2, embedding = $3, degraded = $4, is_active = $5, last_seen_at = $6
			WHERE id = $1`,
			existing.ID, existing.Confidence, existing.Embedding, existing.Degraded, existing.Active, existing.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("%w: merging pattern: %v", ErrStoreUnavailable, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return &UpsertResult{Pattern: *existing, Merged: true}, nil

	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `INSERT INTO patterns (`+patternColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			p.ID, p.TriggerSignature, p.TriggerText, p.ResponseTemplate,
			string(p.Type), string(p.Action), p.Embedding, p.Confidence, p.AutoExecutable,
			p.ExecutionCount, p.SuccessCount, p.Active, p.Degraded, string(p.LearnedFrom),
			p.CreatedAt, p.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("%w: inserting pattern: %v", ErrStoreUnavailable, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return &UpsertResult{Pattern: *p, Merged: false}, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// RecordExecution atomically increments the execution counter.
func (s *PostgresStore) RecordExecution(ctx context.Context, patternID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE patterns
		SET execution_count = execution_count + 1, last_seen_at = now()
		WHERE id = $1`, patternID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// MarkSuccess atomically increments the success counter.
func (s *PostgresStore) MarkSuccess(ctx context.Context, patternID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE patterns
		SET success_count = success_count + 1
		WHERE id = $1`, patternID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// UpdateConfidence applies a clamped delta in SQL and returns the new value.
func (s *PostgresStore) UpdateConfidence(ctx context.Context, patternID string, delta float64) (float64, error) {
	var newScore float64
	err := s.pool.QueryRow(ctx, `UPDATE patterns
		SET confidence_score = GREATEST(0.0, LEAST(1.0, confidence_score + $2))
		WHERE id = $1
		RETURNING confidence_score`, patternID, delta).Scan(&newScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrPatternNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return newScore, nil
}

// UpdateTemplate replaces the pattern's response template.
func (s *PostgresStore) UpdateTemplate(ctx context.Context, patternID, responseTemplate string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE patterns SET response_template = $2 WHERE id = $1`,
		patternID, responseTemplate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// Deactivate soft-retires a pattern.
func (s *PostgresStore) Deactivate(ctx context.Context, patternID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE patterns SET is_active = FALSE WHERE id = $1`, patternID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// ListActive returns all active patterns.
func (s *PostgresStore) ListActive(ctx context.Context) ([]pattern.Pattern, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+patternColumns+` FROM patterns WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []pattern.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning pattern: %v", ErrStoreUnavailable, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// InsertExecution stores a new execution record.
func (s *PostgresStore) InsertExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO pattern_executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.PatternID, rec.ConversationID, rec.MatchedConfidence,
		string(rec.ActionTaken), rec.ResponseSent, rec.OperatorModification,
		string(rec.Outcome), rec.Terminal, rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM pattern_executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// FinalizeExecution applies the single terminal transition. The WHERE
// clause on terminal makes the transition race-free: a second caller
// matches zero rows and gets ErrRecordFinalized.
func (s *PostgresStore) FinalizeExecution(ctx context.Context, id string, action pattern.Action, responseSent, modification string, outcome pattern.Outcome) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pattern_executions SET
			action_taken = $2,
			response_sent = CASE WHEN $3 <> '' THEN $3 ELSE response_sent END,
			operator_modification = $4,
			outcome = $5,
			terminal = TRUE,
			resolved_at = now()
		WHERE id = $1 AND NOT terminal`,
		id, string(action), responseSent, modification, string(outcome))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetExecution(ctx, id); getErr != nil {
			return getErr
		}
		return pattern.ErrRecordFinalized
	}
	return nil
}

// ListPendingSuggestions returns non-terminal suggestions, oldest first.
func (s *PostgresStore) ListPendingSuggestions(ctx context.Context) ([]pattern.ExecutionRecord, error) {
	return s.listPending(ctx, time.Time{})
}

// ListPendingOlderThan returns non-terminal suggestions created before cutoff.
func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]pattern.ExecutionRecord, error) {
	return s.listPending(ctx, cutoff)
}

func (s *PostgresStore) listPending(ctx context.Context, cutoff time.Time) ([]pattern.ExecutionRecord, error) {
	q := `SELECT ` + executionColumns + ` FROM pattern_executions
		WHERE NOT terminal AND action_taken = 'suggested'`
	args := []any{}
	if !cutoff.IsZero() {
		q += ` AND created_at < $1`
		args = append(args, cutoff)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []pattern.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning execution: %v", ErrStoreUnavailable, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanPattern reads a pattern row.
func scanPattern(row pgx.Row) (*pattern.Pattern, error) {
	return scanPatternWith(row)
}

// scanPatternWith reads a pattern row plus any trailing columns.
func scanPatternWith(row pgx.Row, extra ...any) (*pattern.Pattern, error) {
	var p pattern.Pattern
	var ptype, action, source string
	dest := []any{
		&p.ID, &p.TriggerSignature, &p.TriggerText, &p.ResponseTemplate,
		&ptype, &action, &p.Embedding, &p.Confidence, &p.AutoExecutable,
		&p.ExecutionCount, &p.SuccessCount, &p.Active, &p.Degraded, &source,
		&p.CreatedAt, &p.LastSeenAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.Type = pattern.Type(ptype)
	p.Action = pattern.ActionType(action)
	p.LearnedFrom = pattern.Source(source)
	return &p, nil
}

// scanExecution reads an execution record row.
func scanExecution(row pgx.Row) (*pattern.ExecutionRecord, error) {
	var rec pattern.ExecutionRecord
	var action, outcome string
	if err := row.Scan(&rec.ID, &rec.PatternID, &rec.ConversationID, &rec.MatchedConfidence,
		&action, &rec.ResponseSent, &rec.OperatorModification, &outcome, &rec.Terminal,
		&rec.CreatedAt, &rec.ResolvedAt); err != nil {
		return nil, err
	}
	rec.ActionTaken = pattern.Action(action)
	rec.Outcome = pattern.Outcome(outcome)
	return &rec, nil
}

var _ Store = (*PostgresStore)(nil)
