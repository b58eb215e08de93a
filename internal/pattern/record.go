package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRecordFinalized is returned when a terminal execution record is
// modified. Records are append-only once the operator has acted.
var ErrRecordFinalized = errors.New("execution record already finalized")

// Action is the disposition of one pattern execution attempt.
type Action string

const (
	ActionAutoSent  Action = "auto_sent"
	ActionSuggested Action = "suggested"
	ActionRejected  Action = "rejected"
	ActionModified  Action = "modified"
)

// Outcome is the eventual result of a conversation touched by a pattern.
// Set asynchronously; OutcomeUnknown until then.
type Outcome string

const (
	OutcomeUnknown   Outcome = "unknown"
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
)

// ExecutionRecord is one attempt to apply a pattern to a live
// conversation. Created at match time as suggested or auto_sent,
// updated once to a terminal state when the operator acts or a timeout
// elapses, immutable thereafter.
//
// Records reference patterns by ID only. Deactivating a pattern never
// cascades into its execution history.
type ExecutionRecord struct {
	ID             string `json:"id"`
	PatternID      string `json:"pattern_id"`
	ConversationID string `json:"conversation_id"`

	// MatchedConfidence is the combined score at match time, distinct
	// from the pattern's stored aggregate confidence.
	MatchedConfidence float64 `json:"matched_confidence"`

	ActionTaken Action `json:"action_taken"`

	// ResponseSent is the text actually delivered, if any. May differ
	// from the template after operator modification.
	ResponseSent string `json:"response_sent,omitempty"`

	// OperatorModification holds the operator's edited text when the
	// suggestion was modified before sending.
	OperatorModification string `json:"operator_modification,omitempty"`

	Outcome Outcome `json:"outcome"`

	// Terminal marks the record immutable.
	Terminal bool `json:"terminal"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewExecutionRecord creates a record for a fresh match decision.
// action must be ActionAutoSent or ActionSuggested; the terminal
// actions only ever arrive through operator feedback.
func NewExecutionRecord(patternID, conversationID string, matchedConfidence float64, action Action) (*ExecutionRecord, error) {
	if patternID == "" {
		return nil, errors.New("pattern ID cannot be empty")
	}
	if conversationID == "" {
		return nil, errors.New("conversation ID cannot be empty")
	}
	if action != ActionAutoSent && action != ActionSuggested {
		return nil, errors.New("new execution records must be auto_sent or suggested")
	}

	return &ExecutionRecord{
		ID:                uuid.New().String(),
		PatternID:         patternID,
		ConversationID:    conversationID,
		MatchedConfidence: matchedConfidence,
		ActionTaken:       action,
		Outcome:           OutcomeUnknown,
		CreatedAt:         time.Now(),
	}, nil
}

// Pending reports whether the record still awaits operator action.
func (r *ExecutionRecord) Pending() bool {
	return !r.Terminal && r.ActionTaken == ActionSuggested
}
