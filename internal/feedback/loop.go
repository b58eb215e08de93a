// Package feedback turns operator actions into confidence updates.
//
// Accepts nudge a pattern's confidence up, modifications nudge it up
// less, rejections nudge it down. A pattern whose confidence falls
// below the retirement threshold is soft-retired. Modifications that
// recur similarly replace the pattern's response template with the text
// operators keep correcting it to.
package feedback

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
	"github.com/fairwaylabs/patternd/internal/store"
)

// OperatorAction is what the operator did with a suggestion or
// auto-sent response.
type OperatorAction string

const (
	OperatorAccept OperatorAction = "accept"
	OperatorModify OperatorAction = "modify"
	OperatorReject OperatorAction = "reject"
)

// ErrUnknownAction is returned for an unrecognized operator action.
var ErrUnknownAction = fmt.Errorf("unknown operator action")

// Config holds the feedback tuning.
type Config struct {
	// AcceptNudge and ModifyNudge are added to confidence on positive
	// feedback; RejectNudge is subtracted on rejection. All clamped into
	// [0,1] at the storage layer.
	AcceptNudge float64 `koanf:"accept_nudge"`
	ModifyNudge float64 `koanf:"modify_nudge"`
	RejectNudge float64 `koanf:"reject_nudge"`

	// RetirementThreshold soft-retires a pattern whose confidence falls
	// below it after a rejection or decay.
	RetirementThreshold float64 `koanf:"retirement_threshold"`

	// RevisionThreshold is the modification-signature similarity above
	// which two operator edits count as the same correction.
	RevisionThreshold float64 `koanf:"revision_threshold"`

	// RevisionsBeforeUpdate is how many similar modifications it takes
	// before the pattern's template is replaced with the corrected text.
	RevisionsBeforeUpdate int `koanf:"revisions_before_update"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AcceptNudge == 0 {
		c.AcceptNudge = 0.02
	}
	if c.ModifyNudge == 0 {
		c.ModifyNudge = 0.01
	}
	if c.RejectNudge == 0 {
		c.RejectNudge = 0.05
	}
	if c.RetirementThreshold == 0 {
		c.RetirementThreshold = 0.15
	}
	if c.RevisionThreshold == 0 {
		c.RevisionThreshold = 0.85
	}
	if c.RevisionsBeforeUpdate == 0 {
		c.RevisionsBeforeUpdate = 3
	}
}

// revision is one cluster of similar operator modifications against a
// pattern.
type revision struct {
	sig   signature.Signature
	text  string
	count int
}

// Loop applies operator feedback to patterns and their execution
// records.
type Loop struct {
	store  store.Store
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	revisions map[string][]revision
}

// NewLoop creates a feedback loop over the given store.
func NewLoop(s store.Store, config Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Loop{
		store:     s,
		config:    config,
		logger:    logger,
		revisions: make(map[string][]revision),
	}
}

// RecordOutcome finalizes an execution record with the operator's
// action and applies the corresponding confidence update. finalText is
// the text the operator actually sent; required for modify, optional
// for accept, ignored for reject. Finalized records return
// pattern.ErrRecordFinalized.
func (l *Loop) RecordOutcome(ctx context.Context, executionID string, action OperatorAction, finalText string) error {
	rec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Terminal {
		return pattern.ErrRecordFinalized
	}

	switch action {
	case OperatorAccept:
		return l.accept(ctx, rec, finalText)
	case OperatorModify:
		if finalText == "" {
			return fmt.Errorf("modify requires the edited text")
		}
		return l.modify(ctx, rec, finalText)
	case OperatorReject:
		return l.reject(ctx, rec)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (l *Loop) accept(ctx context.Context, rec *pattern.ExecutionRecord, finalText string) error {
	// Accept without edits keeps the text the suggestion was created
	// with; the finalized record never loses what was shown.
	if finalText == "" {
		finalText = rec.ResponseSent
	}
	if err := l.store.FinalizeExecution(ctx, rec.ID, rec.ActionTaken, finalText, "", pattern.OutcomeResolved); err != nil {
		return err
	}
	if err := l.store.MarkSuccess(ctx, rec.PatternID); err != nil {
		return err
	}
	newScore, err := l.store.UpdateConfidence(ctx, rec.PatternID, l.config.AcceptNudge)
	if err != nil {
		return err
	}

	l.logger.Debug("pattern accepted",
		zap.String("pattern_id", rec.PatternID),
		zap.Float64("confidence", newScore))
	return nil
}

func (l *Loop) modify(ctx context.Context, rec *pattern.ExecutionRecord, finalText string) error {
	if err := l.store.FinalizeExecution(ctx, rec.ID, pattern.ActionModified, finalText, finalText, pattern.OutcomeResolved); err != nil {
		return err
	}
	newScore, err := l.store.UpdateConfidence(ctx, rec.PatternID, l.config.ModifyNudge)
	if err != nil {
		return err
	}

	l.logger.Debug("pattern modified",
		zap.String("pattern_id", rec.PatternID),
		zap.Float64("confidence", newScore))

	return l.trackRevision(ctx, rec.PatternID, finalText)
}

func (l *Loop) reject(ctx context.Context, rec *pattern.ExecutionRecord) error {
	if err := l.store.FinalizeExecution(ctx, rec.ID, pattern.ActionRejected, "", "", pattern.OutcomeEscalated); err != nil {
		return err
	}
	newScore, err := l.store.UpdateConfidence(ctx, rec.PatternID, -l.config.RejectNudge)
	if err != nil {
		return err
	}

	if newScore < l.config.RetirementThreshold {
		if err := l.store.Deactivate(ctx, rec.PatternID); err != nil {
			return err
		}
		l.logger.Info("pattern retired after repeated rejection",
			zap.String("pattern_id", rec.PatternID),
			zap.Float64("confidence", newScore))
		return nil
	}

	l.logger.Debug("pattern rejected",
		zap.String("pattern_id", rec.PatternID),
		zap.Float64("confidence", newScore))
	return nil
}

// trackRevision clusters operator modifications by normalized text.
// Once the same correction recurs enough times, the pattern's template
// is replaced with it. Near-duplicate triggers merge at the store, so a
// recurring correction updates the existing pattern rather than
// spawning a duplicate.
func (l *Loop) trackRevision(ctx context.Context, patternID, finalText string) error {
	sig := signature.Normalize(finalText)

	l.mu.Lock()
	clusters := l.revisions[patternID]
	var hit *revision
	for i := range clusters {
		if signature.Similarity(sig, clusters[i].sig) >= l.config.RevisionThreshold {
			hit = &clusters[i]
			break
		}
	}
	if hit == nil {
		l.revisions[patternID] = append(clusters, revision{sig: sig, text: finalText, count: 1})
		l.mu.Unlock()
		return nil
	}
	hit.count++
	hit.text = finalText
	promote := hit.count >= l.config.RevisionsBeforeUpdate
	text := hit.text
	if promote {
		delete(l.revisions, patternID)
	}
	l.mu.Unlock()

	if !promote {
		return nil
	}

	if err := l.store.UpdateTemplate(ctx, patternID, text); err != nil {
		return err
	}
	l.logger.Info("pattern template updated from recurring operator modifications",
		zap.String("pattern_id", patternID))
	return nil
}
