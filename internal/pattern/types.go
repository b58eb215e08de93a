package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for pattern operations.
var (
	ErrEmptyTrigger      = errors.New("pattern trigger cannot be empty")
	ErrEmptyResponse     = errors.New("pattern response template cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrInvalidType       = errors.New("unknown pattern type")
	ErrInvalidAction     = errors.New("unknown action type")
	ErrInvalidSource     = errors.New("unknown pattern source")
)

// Type categorizes a pattern for routing and reporting.
// The category does not participate in matching.
type Type string

const (
	TypeBooking Type = "booking"
	TypeTech    Type = "tech"
	TypeFAQ     Type = "faq"
	TypeGeneral Type = "general"
)

// ValidTypes lists all recognized pattern types.
var ValidTypes = []Type{TypeBooking, TypeTech, TypeFAQ, TypeGeneral}

// ParseType returns the Type for s, defaulting to TypeGeneral for
// unrecognized or empty values. Import sources are messy; an unknown
// category is not worth failing a row over.
func ParseType(s string) Type {
	for _, t := range ValidTypes {
		if string(t) == s {
			return t
		}
	}
	return TypeGeneral
}

// Source records how a pattern entered the store.
type Source string

const (
	SourceCSVImport    Source = "csv_batch_import"
	SourceQAImport     Source = "qa_import"
	SourceRuleExtract  Source = "rule_extraction"
	SourceConversation Source = "conversation"
	SourceManual       Source = "manual"
)

// ActionType identifies what executing a pattern does. It is a closed
// enum: unrecognized action types fail validation at configuration load
// rather than silently no-opping at runtime.
type ActionType string

const (
	// ActionSendMessage delivers the rendered response text. The only
	// action type eligible for auto-execution.
	ActionSendMessage ActionType = "send_message"

	// ActionUnlockDoor triggers a facility door unlock. Destructive:
	// always requires operator confirmation.
	ActionUnlockDoor ActionType = "unlock_door"

	// ActionResetSimulator restarts launch-monitor software on a bay PC.
	// Destructive: always requires operator confirmation.
	ActionResetSimulator ActionType = "reset_simulator"

	// ActionRebootDevice power-cycles a remote device. Destructive:
	// always requires operator confirmation.
	ActionRebootDevice ActionType = "reboot_device"
)

// ValidActionTypes lists all recognized action types.
var ValidActionTypes = []ActionType{ActionSendMessage, ActionUnlockDoor, ActionResetSimulator, ActionRebootDevice}

// Valid reports whether a is a recognized action type.
func (a ActionType) Valid() bool {
	for _, v := range ValidActionTypes {
		if a == v {
			return true
		}
	}
	return false
}

// Destructive reports whether the action has real-world side effects
// beyond sending text. Destructive actions are never auto-executed
// regardless of confidence.
func (a ActionType) Destructive() bool {
	return a != ActionSendMessage
}

// DefaultConfidence is the initial confidence for new patterns when the
// source does not supply one.
const DefaultConfidence = 0.5

// Pattern is a learned request/response rule.
//
// Confidence evolves through the feedback loop: operator accepts nudge
// it up, rejections nudge it down, and patterns that go unused decay.
// A pattern whose embedding is nil is invisible to semantic search and
// carries Degraded=true until an embedding is backfilled.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// TriggerSignature is the canonical normalized form of TriggerText,
	// used for fast pre-filtering and near-duplicate detection.
	TriggerSignature string `json:"trigger_signature"`

	// TriggerText is the original representative trigger phrase.
	TriggerText string `json:"trigger_text"`

	// ResponseTemplate is the response text. May contain named
	// placeholders (e.g. {{bay_number}}) filled from conversation
	// context at response time.
	ResponseTemplate string `json:"response_template"`

	// Type is the routing/reporting category.
	Type Type `json:"pattern_type"`

	// Action is what executing this pattern does.
	Action ActionType `json:"action_type"`

	// Embedding is the vector representation of TriggerText.
	// Nil until generated.
	Embedding []float32 `json:"embedding,omitempty"`

	// Confidence is the learned reliability estimate in [0,1].
	Confidence float64 `json:"confidence_score"`

	// AutoExecutable marks the pattern as eligible to fire without
	// operator confirmation. The execution policy still gates on
	// confidence and action type.
	AutoExecutable bool `json:"auto_executable"`

	// ExecutionCount and SuccessCount are monotonically increasing
	// usage counters, incremented atomically at the storage layer.
	ExecutionCount int `json:"execution_count"`
	SuccessCount   int `json:"success_count"`

	// Active is the soft-delete flag. Retired patterns keep their
	// execution history but never appear in candidate searches.
	Active bool `json:"is_active"`

	// Degraded marks a pattern that is keyword-searchable only because
	// its embedding could not be generated.
	Degraded bool `json:"degraded"`

	// LearnedFrom is the provenance tag.
	LearnedFrom Source `json:"learned_from"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// New creates an active pattern with a generated UUID and default
// confidence. The caller is expected to set TriggerSignature and
// Embedding before storing.
func New(triggerText, responseTemplate string, ptype Type, source Source) (*Pattern, error) {
	if triggerText == "" {
		return nil, ErrEmptyTrigger
	}
	if responseTemplate == "" {
		return nil, ErrEmptyResponse
	}

	now := time.Now()
	return &Pattern{
		ID:               uuid.New().String(),
		TriggerText:      triggerText,
		ResponseTemplate: responseTemplate,
		Type:             ptype,
		Action:           ActionSendMessage,
		Confidence:       DefaultConfidence,
		Active:           true,
		LearnedFrom:      source,
		CreatedAt:        now,
		LastSeenAt:       now,
	}, nil
}

// Validate checks the pattern's fields.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return errors.New("pattern ID cannot be empty")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return errors.New("invalid pattern ID format")
	}
	if p.TriggerText == "" {
		return ErrEmptyTrigger
	}
	if p.ResponseTemplate == "" {
		return ErrEmptyResponse
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	if !p.Action.Valid() {
		return ErrInvalidAction
	}
	typeOK := false
	for _, t := range ValidTypes {
		if p.Type == t {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return ErrInvalidType
	}
	switch p.LearnedFrom {
	case SourceCSVImport, SourceQAImport, SourceRuleExtract, SourceConversation, SourceManual:
	default:
		return ErrInvalidSource
	}
	if p.ExecutionCount < 0 || p.SuccessCount < 0 {
		return errors.New("usage counters cannot be negative")
	}
	return nil
}

// SuccessRate returns SuccessCount/ExecutionCount, or 0 for unused patterns.
func (p *Pattern) SuccessRate() float64 {
	if p.ExecutionCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.ExecutionCount)
}

// ClampConfidence bounds v into [0,1]. All confidence updates go
// through this so no sequence of feedback can push a score out of range.
func ClampConfidence(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
