// Package engine wires the matching pipeline into a per-message
// operation: signature and embedding, candidate ranking, policy
// decision, execution record, delivery.
//
// Messages within one conversation are processed in arrival order by a
// per-conversation lock; separate conversations run concurrently and
// share nothing but the pattern store. Conversation segmentation (the
// inactivity-gap grouping) happens upstream.
package engine

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/metrics"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/policy"
	"github.com/fairwaylabs/patternd/internal/store"
)

// ErrDeliveryFailed indicates an auto-sent response could not be
// delivered after the retry. The message is escalated, never silently
// retried further.
var ErrDeliveryFailed = errors.New("response delivery failed")

// Sender delivers outbound responses. Implemented by the surrounding
// messaging layer; the engine never touches SMS or webhook transport.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, text string) error
}

// Disposition is the per-message outcome reported to the caller.
type Disposition string

const (
	DispositionAutoSent  Disposition = "auto_sent"
	DispositionSuggested Disposition = "suggested"
	DispositionEscalated Disposition = "escalated"
)

// Decision is the result of processing one inbound message.
type Decision struct {
	Action Disposition `json:"action"`

	// Text is the delivered or suggested response, when there is one.
	Text string `json:"text,omitempty"`

	PatternID   string `json:"pattern_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	// Reason names the gate that produced the decision.
	Reason string `json:"reason,omitempty"`
}

// Config holds engine tuning.
type Config struct {
	// HistoryLimit caps how many messages are kept per conversation for
	// contextual matching.
	HistoryLimit int `koanf:"history_limit"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 20
	}
}

// conversation is the per-conversation serialization point.
type conversation struct {
	mu      sync.Mutex
	history []matcher.Message
}

// Engine runs the match/policy/feedback pipeline.
type Engine struct {
	matcher *matcher.Matcher
	policy  *policy.Policy
	store   store.Store
	loop    *feedback.Loop
	sender  Sender
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// New creates an Engine. sender may be nil, in which case auto-execute
// decisions degrade to suggestions.
func New(m *matcher.Matcher, p *policy.Policy, s store.Store, loop *feedback.Loop, sender Sender, config Config, mets *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mets == nil {
		mets = metrics.NewNop()
	}
	config.ApplyDefaults()

	return &Engine{
		matcher:       m,
		policy:        p,
		store:         s,
		loop:          loop,
		sender:        sender,
		config:        config,
		metrics:       mets,
		logger:        logger,
		conversations: make(map[string]*conversation),
	}
}

// ProcessMessage handles one inbound customer message and returns the
// decision. Store failures propagate; the caller must escalate the
// conversation to a human queue rather than dropping the message.
func (e *Engine) ProcessMessage(ctx context.Context, conversationID, channelID, text string, arrivedAt time.Time) (*Decision, error) {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	history := make([]matcher.Message, len(conv.history))
	copy(history, conv.history)

	res, err := e.matcher.Match(ctx, text, history)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Degraded {
		e.metrics.ProviderDegraded.Inc()
	}

	vars := conversationVars(text, history)
	vars["channel_id"] = channelID
	eval := e.policy.Decide(res, vars)

	decision, err := e.execute(ctx, conversationID, res, eval)
	if err != nil {
		return nil, err
	}

	e.appendHistory(conv, matcher.Message{Sender: "customer", Text: text})
	if decision.Action == DispositionAutoSent {
		e.appendHistory(conv, matcher.Message{Sender: "operator", Text: decision.Text})
	}

	e.metrics.Decisions.WithLabelValues(string(decision.Action)).Inc()
	if res != nil {
		e.metrics.MatchScore.Observe(res.Score)
	}

	e.logger.Info("message processed",
		zap.String("conversation_id", conversationID),
		zap.String("action", string(decision.Action)),
		zap.String("pattern_id", decision.PatternID),
		zap.String("reason", decision.Reason))

	return decision, nil
}

// execute applies the policy decision: creates the execution record and
// delivers auto-executed responses.
func (e *Engine) execute(ctx context.Context, conversationID string, res *matcher.Result, eval policy.Evaluation) (*Decision, error) {
	if eval.Decision == policy.DecisionEscalate {
		return &Decision{Action: DispositionEscalated, Reason: eval.Reason}, nil
	}

	if eval.Decision == policy.DecisionAutoExecute && e.sender == nil {
		eval.Decision = policy.DecisionSuggest
		eval.Reason = "no sender configured"
	}

	action := pattern.ActionSuggested
	if eval.Decision == policy.DecisionAutoExecute {
		action = pattern.ActionAutoSent
	}

	rec, err := pattern.NewExecutionRecord(res.Pattern.ID, conversationID, res.Score, action)
	if err != nil {
		return nil, err
	}
	// Suggested records carry the rendered text too, so the audit trail
	// keeps what the operator saw even when accept sends no final_text.
	rec.ResponseSent = eval.Response

	if err := e.store.InsertExecution(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.RecordExecution(ctx, res.Pattern.ID); err != nil {
		return nil, err
	}

	if action == pattern.ActionSuggested {
		return &Decision{
			Action:      DispositionSuggested,
			Text:        eval.Response,
			PatternID:   res.Pattern.ID,
			ExecutionID: rec.ID,
			Reason:      eval.Reason,
		}, nil
	}

	if err := e.deliver(ctx, conversationID, eval.Response); err != nil {
		// Fail closed into escalation: the record turns terminal so the
		// same content is never retried again.
		e.metrics.DeliveryFailures.Inc()
		e.logger.Error("auto response delivery failed, escalating",
			zap.String("conversation_id", conversationID),
			zap.String("pattern_id", res.Pattern.ID),
			zap.Error(err))

		if ferr := e.store.FinalizeExecution(ctx, rec.ID, pattern.ActionAutoSent, "", "", pattern.OutcomeEscalated); ferr != nil && !errors.Is(ferr, pattern.ErrRecordFinalized) {
			return nil, ferr
		}
		return &Decision{
			Action:      DispositionEscalated,
			PatternID:   res.Pattern.ID,
			ExecutionID: rec.ID,
			Reason:      "delivery failed",
		}, nil
	}

	return &Decision{
		Action:      DispositionAutoSent,
		Text:        eval.Response,
		PatternID:   res.Pattern.ID,
		ExecutionID: rec.ID,
		Reason:      eval.Reason,
	}, nil
}

// deliver sends text, retrying exactly once.
func (e *Engine) deliver(ctx context.Context, conversationID, text string) error {
	err := e.sender.SendMessage(ctx, conversationID, text)
	if err == nil {
		return nil
	}
	e.logger.Warn("delivery failed, retrying once",
		zap.String("conversation_id", conversationID),
		zap.Error(err))

	if err := e.sender.SendMessage(ctx, conversationID, text); err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	return nil
}

// RecordOutcome applies operator feedback to an execution record.
func (e *Engine) RecordOutcome(ctx context.Context, executionID string, action feedback.OperatorAction, finalText string) error {
	if err := e.loop.RecordOutcome(ctx, executionID, action, finalText); err != nil {
		return err
	}
	e.metrics.Feedback.WithLabelValues(string(action)).Inc()
	return nil
}

// ListPendingSuggestions returns suggestions awaiting operator action.
func (e *Engine) ListPendingSuggestions(ctx context.Context) ([]pattern.ExecutionRecord, error) {
	return e.store.ListPendingSuggestions(ctx)
}

// History returns a snapshot of the conversation's tracked messages.
func (e *Engine) History(conversationID string) []matcher.Message {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	out := make([]matcher.Message, len(conv.history))
	copy(out, conv.history)
	return out
}

func (e *Engine) conversation(id string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, ok := e.conversations[id]
	if !ok {
		conv = &conversation{}
		e.conversations[id] = conv
	}
	return conv
}

func (e *Engine) appendHistory(conv *conversation, msg matcher.Message) {
	conv.history = append(conv.history, msg)
	if len(conv.history) > e.config.HistoryLimit {
		conv.history = conv.history[len(conv.history)-e.config.HistoryLimit:]
	}
}

var bayRe = regexp.MustCompile(`(?i)\bbay\s*#?\s*(\d+)\b`)

// conversationVars pulls template placeholder values out of the message
// and recent history. Newest mention wins.
func conversationVars(text string, history []matcher.Message) map[string]string {
	vars := make(map[string]string)

	scan := func(t string) {
		if m := bayRe.FindStringSubmatch(t); m != nil {
			vars["bay_number"] = m[1]
		}
	}
	for _, msg := range history {
		scan(msg.Text)
	}
	scan(text)

	return vars
}
