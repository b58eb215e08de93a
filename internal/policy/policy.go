// Package policy decides what happens with a match: auto-execute,
// suggest to an operator, or escalate.
//
// The decision is a terminal state per message. Auto-execution is gated
// three ways: the pattern must be flagged auto-executable, the match
// score must clear the auto threshold, and the action type must be on
// the configured allow-list. Destructive action types (door unlock,
// device reboot, simulator reset) never auto-execute regardless of
// confidence; the allow-list rejects them at configuration load.
package policy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/pattern"
)

// Decision is the terminal disposition for one inbound message.
type Decision string

const (
	DecisionAutoExecute Decision = "auto_execute"
	DecisionSuggest     Decision = "suggest"
	DecisionEscalate    Decision = "escalate"
)

// Evaluation is the policy's output for one match result.
type Evaluation struct {
	Decision Decision

	// Response is the rendered response text. For DecisionAutoExecute it
	// is what gets sent; for DecisionSuggest it is the operator preview.
	Response string

	// MissingVars lists template placeholders that had no value. A
	// response with unresolved placeholders is never auto-sent.
	MissingVars []string

	// Reason names which gate produced the decision, for logs and
	// shadow-mode comparison.
	Reason string
}

// Config holds the policy thresholds and the auto-execution allow-list.
// Passed in at construction, never read from ambient state, so tests
// are deterministic.
type Config struct {
	// AutoThreshold is the minimum match score for auto-execution.
	AutoThreshold float64 `koanf:"auto_threshold"`

	// SuggestionThreshold is the floor below which a match escalates
	// instead of being suggested.
	SuggestionThreshold float64 `koanf:"suggestion_threshold"`

	// AutoAllowed is the allow-list of action types eligible for
	// auto-execution. Destructive action types are rejected by Validate.
	AutoAllowed []pattern.ActionType `koanf:"auto_allowed"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AutoThreshold == 0 {
		c.AutoThreshold = 0.85
	}
	if c.SuggestionThreshold == 0 {
		c.SuggestionThreshold = 0.40
	}
	if c.AutoAllowed == nil {
		c.AutoAllowed = []pattern.ActionType{pattern.ActionSendMessage}
	}
}

// Validate fails fast on a misconfigured policy: unknown action types
// and destructive action types on the allow-list are configuration
// errors, not runtime surprises.
func (c *Config) Validate() error {
	if c.AutoThreshold < 0 || c.AutoThreshold > 1 {
		return fmt.Errorf("auto threshold %v out of range [0,1]", c.AutoThreshold)
	}
	if c.SuggestionThreshold < 0 || c.SuggestionThreshold > 1 {
		return fmt.Errorf("suggestion threshold %v out of range [0,1]", c.SuggestionThreshold)
	}
	if c.SuggestionThreshold > c.AutoThreshold {
		return fmt.Errorf("suggestion threshold %v exceeds auto threshold %v",
			c.SuggestionThreshold, c.AutoThreshold)
	}
	for _, a := range c.AutoAllowed {
		if !a.Valid() {
			return fmt.Errorf("unknown action type %q on auto allow-list", a)
		}
		if a.Destructive() {
			return fmt.Errorf("destructive action type %q cannot be auto-executed", a)
		}
	}
	return nil
}

// Policy evaluates match results against the configured thresholds.
type Policy struct {
	config  Config
	allowed map[pattern.ActionType]bool
	logger  *zap.Logger
}

// New validates the configuration and creates a Policy.
func New(config Config, logger *zap.Logger) (*Policy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy configuration: %w", err)
	}

	allowed := make(map[pattern.ActionType]bool, len(config.AutoAllowed))
	for _, a := range config.AutoAllowed {
		allowed[a] = true
	}

	return &Policy{config: config, allowed: allowed, logger: logger}, nil
}

// Decide maps a match result to a terminal decision. vars supplies
// values for response template placeholders; unresolved placeholders
// downgrade auto-execution to a suggestion.
func (p *Policy) Decide(res *matcher.Result, vars map[string]string) Evaluation {
	if res == nil {
		return Evaluation{Decision: DecisionEscalate, Reason: "no match"}
	}
	if res.Score < p.config.SuggestionThreshold {
		return Evaluation{Decision: DecisionEscalate, Reason: "below suggestion threshold"}
	}

	rendered, missing := pattern.RenderTemplate(res.Pattern.ResponseTemplate, vars)

	eval := Evaluation{
		Decision:    DecisionSuggest,
		Response:    rendered,
		MissingVars: missing,
	}

	switch {
	case !res.Pattern.AutoExecutable:
		eval.Reason = "pattern not auto-executable"
	case res.Pattern.Action.Destructive():
		eval.Reason = "destructive action requires confirmation"
	case !p.allowed[res.Pattern.Action]:
		eval.Reason = "action type not on auto allow-list"
	case res.Score < p.config.AutoThreshold:
		eval.Reason = "below auto threshold"
	case len(missing) > 0:
		eval.Reason = "unresolved template placeholders"
	default:
		eval.Decision = DecisionAutoExecute
		eval.Reason = "auto gates passed"
	}

	return eval
}
