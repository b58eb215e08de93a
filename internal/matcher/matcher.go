// Package matcher selects at most one pattern for an inbound message.
//
// Candidate selection is context-sensitive: the embedding query is built
// from recent conversation history plus the new message, so short
// replies like "thanks" or "ok" rank against patterns relevant to what
// the conversation is actually about rather than against whatever
// shares a keyword. When the embedding provider is down, matching
// degrades to keyword (trigram) ranking instead of failing the request.
package matcher

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
	"github.com/fairwaylabs/patternd/internal/store"
)

// Message is one prior message in a conversation. Conversation
// segmentation (the inactivity-gap grouping) happens upstream; the
// matcher trusts the history it is given.
type Message struct {
	// Sender is "customer" or "operator".
	Sender string

	Text string
}

// Result is a successful match. A nil *Result from Match means no
// pattern cleared the match threshold; that is a normal outcome, not an
// error.
type Result struct {
	Pattern pattern.Pattern

	// Score is the combined match score, alpha*similarity +
	// beta*confidence. Recorded as matched_confidence on the execution
	// record; distinct from the pattern's stored aggregate confidence.
	Score float64

	// Similarity is the raw similarity component.
	Similarity float64

	// Degraded is set when the embedding provider was unavailable and
	// ranking fell back to keyword similarity.
	Degraded bool
}

// Config holds matcher tuning. All values are deployment tunables, not
// constants; validate empirically.
type Config struct {
	// SemanticWeight (alpha) and ConfidenceWeight (beta) combine
	// similarity and pattern confidence into the match score.
	SemanticWeight   float64 `koanf:"semantic_weight"`
	ConfidenceWeight float64 `koanf:"confidence_weight"`

	// MinMatchScore is the floor below which the best candidate is
	// rejected and the message escalates.
	MinMatchScore float64 `koanf:"min_match_score"`

	// TopK is how many candidates the store returns for re-ranking.
	TopK int `koanf:"top_k"`

	// ContextWindow is how many trailing history messages join the
	// embedding query.
	ContextWindow int `koanf:"context_window"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.SemanticWeight == 0 && c.ConfidenceWeight == 0 {
		c.SemanticWeight = 0.5
		c.ConfidenceWeight = 0.5
	}
	if c.MinMatchScore == 0 {
		c.MinMatchScore = 0.55
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = 4
	}
}

// Matcher ranks stored patterns against inbound messages.
type Matcher struct {
	provider embeddings.Provider
	patterns store.Patterns
	config   Config
	logger   *zap.Logger
}

// New creates a Matcher.
func New(provider embeddings.Provider, patterns store.Patterns, config Config, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Matcher{
		provider: provider,
		patterns: patterns,
		config:   config,
		logger:   logger,
	}
}

// Match returns the single best pattern for message given the
// conversation history, or nil when nothing clears the match threshold.
// Store failures propagate; the caller escalates to a human queue.
func (m *Matcher) Match(ctx context.Context, message string, history []Message) (*Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil
	}

	sig := signature.Normalize(message)
	query := contextualQuery(message, history, m.config.ContextWindow)

	degraded := false
	vector, err := m.provider.EmbedQuery(ctx, query)
	if err != nil {
		degraded = true
		vector = nil
		m.logger.Warn("embedding provider unavailable, using keyword ranking",
			zap.Error(err))
	}

	cands, err := m.patterns.FindCandidates(ctx, sig, vector, m.config.TopK)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	best, score, sim := m.rerank(cands)
	if score < m.config.MinMatchScore {
		m.logger.Debug("best candidate below match threshold",
			zap.String("pattern_id", best.ID),
			zap.Float64("score", score),
			zap.Float64("threshold", m.config.MinMatchScore))
		return nil, nil
	}

	return &Result{Pattern: *best, Score: score, Similarity: sim, Degraded: degraded}, nil
}

// rerank combines similarity with stored confidence and picks the
// single winner. Ties go to the more battle-tested pattern (higher
// execution count), then lowest ID for determinism.
func (m *Matcher) rerank(cands []store.Candidate) (*pattern.Pattern, float64, float64) {
	var best *pattern.Pattern
	var bestScore, bestSim float64
	for i := range cands {
		c := &cands[i]
		score := m.config.SemanticWeight*c.Similarity + m.config.ConfidenceWeight*c.Pattern.Confidence
		if best == nil || score > bestScore ||
			(score == bestScore && c.Pattern.ExecutionCount > best.ExecutionCount) ||
			(score == bestScore && c.Pattern.ExecutionCount == best.ExecutionCount && c.Pattern.ID < best.ID) {
			best = &c.Pattern
			bestScore = score
			bestSim = c.Similarity
		}
	}
	return best, bestScore, bestSim
}

// contextualQuery builds the embedding query from the trailing window of
// history plus the new message. The new message appears twice, biasing
// the embedding toward current intent while the history disambiguates
// short acknowledgements. Empty history degenerates to message-only.
func contextualQuery(message string, history []Message, window int) string {
	start := len(history) - window
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, msg := range history[start:] {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}
	b.WriteString(message)
	b.WriteString("\n")
	b.WriteString(message)
	return b.String()
}
