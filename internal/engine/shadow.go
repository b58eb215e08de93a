package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/metrics"
	"github.com/fairwaylabs/patternd/internal/policy"
)

// ShadowEngine runs a candidate matcher/policy pair alongside the live
// engine for comparison. Shadow results go to the log and a divergence
// counter only: the shadow path never writes execution records, never
// touches confidence, and never calls the Sender.
type ShadowEngine struct {
	live          *Engine
	shadowMatcher *matcher.Matcher
	shadowPolicy  *policy.Policy
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewShadow wraps live with a shadow pipeline.
func NewShadow(live *Engine, shadowMatcher *matcher.Matcher, shadowPolicy *policy.Policy, mets *metrics.Metrics, logger *zap.Logger) *ShadowEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mets == nil {
		mets = metrics.NewNop()
	}
	return &ShadowEngine{
		live:          live,
		shadowMatcher: shadowMatcher,
		shadowPolicy:  shadowPolicy,
		metrics:       mets,
		logger:        logger,
	}
}

// ProcessMessage runs the live pipeline, then replays the same message
// and pre-processing history through the shadow pipeline and logs any
// divergence. The live decision is always the one returned.
func (s *ShadowEngine) ProcessMessage(ctx context.Context, conversationID, channelID, text string, arrivedAt time.Time) (*Decision, error) {
	history := s.live.History(conversationID)

	decision, err := s.live.ProcessMessage(ctx, conversationID, channelID, text, arrivedAt)
	if err != nil {
		return nil, err
	}

	s.compare(ctx, conversationID, channelID, text, history, decision)
	return decision, nil
}

func (s *ShadowEngine) compare(ctx context.Context, conversationID, channelID, text string, history []matcher.Message, live *Decision) {
	res, err := s.shadowMatcher.Match(ctx, text, history)
	if err != nil {
		s.logger.Warn("shadow match failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	vars := conversationVars(text, history)
	vars["channel_id"] = channelID
	eval := s.shadowPolicy.Decide(res, vars)

	shadowAction := DispositionEscalated
	switch eval.Decision {
	case policy.DecisionAutoExecute:
		shadowAction = DispositionAutoSent
	case policy.DecisionSuggest:
		shadowAction = DispositionSuggested
	}

	shadowPattern := ""
	if res != nil {
		shadowPattern = res.Pattern.ID
	}

	if shadowAction == live.Action && shadowPattern == live.PatternID {
		return
	}

	s.metrics.ShadowDivergences.Inc()
	s.logger.Info("shadow divergence",
		zap.String("conversation_id", conversationID),
		zap.String("live_action", string(live.Action)),
		zap.String("live_pattern_id", live.PatternID),
		zap.String("shadow_action", string(shadowAction)),
		zap.String("shadow_pattern_id", shadowPattern),
		zap.String("shadow_reason", eval.Reason))
}
