package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/metrics"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/policy"
	"github.com/fairwaylabs/patternd/internal/signature"
	"github.com/fairwaylabs/patternd/internal/store"
)

// fakeSender fails the first N sends, then delivers.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	attempts int
	sent     []string
}

func (f *fakeSender) SendMessage(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("gateway timeout")
	}
	f.sent = append(f.sent, text)
	return nil
}

func testEngine(t *testing.T, sender Sender) (*Engine, *store.MemoryStore, *embeddings.WordBag) {
	t.Helper()
	bag := embeddings.NewWordBag("hours", "open", "screen", "frozen", "bay", "wifi", "password")
	s := store.NewMemoryStore()
	m := matcher.New(bag, s, matcher.Config{}, nil)
	pol, err := policy.New(policy.Config{}, nil)
	require.NoError(t, err)
	loop := feedback.NewLoop(s, feedback.Config{}, nil)
	return New(m, pol, s, loop, sender, Config{}, nil, nil), s, bag
}

func seedEnginePattern(t *testing.T, s store.Store, bag *embeddings.WordBag, trigger, response string, confidence float64, auto bool) *pattern.Pattern {
	t.Helper()
	p, err := pattern.New(trigger, response, pattern.TypeFAQ, pattern.SourceManual)
	require.NoError(t, err)
	p.Confidence = confidence
	p.AutoExecutable = auto
	p.TriggerSignature = string(signature.Normalize(trigger))

	vec, err := bag.EmbedQuery(context.Background(), trigger)
	require.NoError(t, err)
	p.Embedding = vec

	_, err = s.Upsert(context.Background(), p, 0.95)
	require.NoError(t, err)
	return p
}

func TestProcessMessageAutoSends(t *testing.T) {
	sender := &fakeSender{}
	eng, s, bag := testEngine(t, sender)
	p := seedEnginePattern(t, s, bag, "what are your hours", "We're open 9am-9pm", 0.9, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "what are your hours?", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionAutoSent, d.Action)
	assert.Equal(t, "We're open 9am-9pm", d.Text)
	assert.Equal(t, p.ID, d.PatternID)
	assert.Equal(t, []string{"We're open 9am-9pm"}, sender.sent)

	rec, err := s.GetExecution(context.Background(), d.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pattern.ActionAutoSent, rec.ActionTaken)
	assert.Equal(t, "We're open 9am-9pm", rec.ResponseSent)
	assert.False(t, rec.Terminal, "auto-sent records stay open for operator feedback")

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)

	history := eng.History("conv-1")
	require.Len(t, history, 2, "both sides of the exchange join the context")
	assert.Equal(t, "customer", history[0].Sender)
	assert.Equal(t, "operator", history[1].Sender)
}

func TestProcessMessageSuggestsMidConfidence(t *testing.T) {
	sender := &fakeSender{}
	eng, s, bag := testEngine(t, sender)
	p := seedEnginePattern(t, s, bag, "wifi password", "It's GolfGuest2024", 0.5, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "wifi password?", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionSuggested, d.Action)
	assert.Equal(t, p.ID, d.PatternID)
	assert.Empty(t, sender.sent, "suggestions are never delivered to the customer")

	pending, err := eng.ListPendingSuggestions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ExecutionID, pending[0].ID)

	rec, err := s.GetExecution(context.Background(), d.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "It's GolfGuest2024", rec.ResponseSent,
		"suggested records carry the rendered text for the audit trail")
}

func TestProcessMessageNoMatchEscalates(t *testing.T) {
	sender := &fakeSender{}
	eng, s, _ := testEngine(t, sender)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "my dog ate my tee time", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionEscalated, d.Action)
	assert.Empty(t, d.ExecutionID, "no execution record without a pattern")
	assert.Empty(t, sender.sent)

	pending, err := s.ListPendingSuggestions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessMessageDeliveryRetriesOnce(t *testing.T) {
	sender := &fakeSender{failures: 1}
	eng, s, bag := testEngine(t, sender)
	seedEnginePattern(t, s, bag, "what are your hours", "We're open 9am-9pm", 0.9, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "what are your hours", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionAutoSent, d.Action)
	assert.Equal(t, 2, sender.attempts)
	assert.Len(t, sender.sent, 1)
}

func TestProcessMessageDeliveryFailureEscalates(t *testing.T) {
	sender := &fakeSender{failures: 2}
	eng, s, bag := testEngine(t, sender)
	seedEnginePattern(t, s, bag, "what are your hours", "We're open 9am-9pm", 0.9, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "what are your hours", time.Now())
	require.NoError(t, err, "delivery failure escalates instead of erroring")

	assert.Equal(t, DispositionEscalated, d.Action)
	assert.Equal(t, "delivery failed", d.Reason)
	assert.Equal(t, 2, sender.attempts, "exactly one retry")
	assert.Empty(t, sender.sent)

	rec, err := s.GetExecution(context.Background(), d.ExecutionID)
	require.NoError(t, err)
	assert.True(t, rec.Terminal, "the content is never retried again")
	assert.Equal(t, pattern.OutcomeEscalated, rec.Outcome)
}

func TestProcessMessageNilSenderDowngradesToSuggestion(t *testing.T) {
	eng, s, bag := testEngine(t, nil)
	seedEnginePattern(t, s, bag, "what are your hours", "We're open 9am-9pm", 0.9, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "what are your hours", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionSuggested, d.Action)
	assert.Equal(t, "no sender configured", d.Reason)
}

func TestProcessMessageFillsPlaceholdersFromConversation(t *testing.T) {
	sender := &fakeSender{}
	eng, s, bag := testEngine(t, sender)
	seedEnginePattern(t, s, bag, "screen is frozen", "Resetting bay {{bay_number}} now, give it a minute", 0.9, true)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "screen frozen in bay 3", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionAutoSent, d.Action)
	assert.Equal(t, "Resetting bay 3 now, give it a minute", d.Text)
}

func TestRecordOutcomeThroughEngine(t *testing.T) {
	eng, s, bag := testEngine(t, nil)
	p := seedEnginePattern(t, s, bag, "wifi password", "It's GolfGuest2024", 0.5, false)

	d, err := eng.ProcessMessage(context.Background(), "conv-1", "sms", "wifi password", time.Now())
	require.NoError(t, err)
	require.Equal(t, DispositionSuggested, d.Action)

	require.NoError(t, eng.RecordOutcome(context.Background(), d.ExecutionID, feedback.OperatorAccept, ""))

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Greater(t, got.Confidence, 0.5)

	rec, err := s.GetExecution(context.Background(), d.ExecutionID)
	require.NoError(t, err)
	assert.True(t, rec.Terminal)
	assert.Equal(t, "It's GolfGuest2024", rec.ResponseSent,
		"accept without edits keeps the suggested text")
}

func TestShadowDivergenceCounted(t *testing.T) {
	sender := &fakeSender{}
	eng, s, bag := testEngine(t, sender)
	seedEnginePattern(t, s, bag, "what are your hours", "We're open 9am-9pm", 0.9, true)

	// The shadow policy holds a stricter auto threshold, so the same
	// message suggests in shadow while the live path auto-sends.
	strict, err := policy.New(policy.Config{AutoThreshold: 0.99, SuggestionThreshold: 0.4}, nil)
	require.NoError(t, err)
	shadowMatcher := matcher.New(bag, s, matcher.Config{}, nil)

	reg := prometheus.NewRegistry()
	mets := metrics.New(reg)
	shadow := NewShadow(eng, shadowMatcher, strict, mets, nil)

	d, err := shadow.ProcessMessage(context.Background(), "conv-1", "sms", "what are your hours", time.Now())
	require.NoError(t, err)

	assert.Equal(t, DispositionAutoSent, d.Action, "shadow never changes the live decision")
	assert.Equal(t, float64(1), testutil.ToFloat64(mets.ShadowDivergences))
	assert.Len(t, sender.sent, 1, "the shadow path never delivers")
}
