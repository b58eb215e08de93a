package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/engine"
	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/importer"
	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/policy"
	"github.com/fairwaylabs/patternd/internal/signature"
	"github.com/fairwaylabs/patternd/internal/store"
)

func testServer(t *testing.T) (*Server, *store.MemoryStore, *embeddings.WordBag) {
	t.Helper()

	bag := embeddings.NewWordBag("hours", "open", "wifi", "password")
	s := store.NewMemoryStore()

	m := matcher.New(bag, s, matcher.Config{}, nil)
	pol, err := policy.New(policy.Config{}, nil)
	require.NoError(t, err)
	loop := feedback.NewLoop(s, feedback.Config{}, nil)
	eng := engine.New(m, pol, s, loop, nil, engine.Config{}, nil, nil)
	imp := importer.New(bag, s, nil, importer.Config{}, nil, nil)

	srv, err := NewServer(eng, eng, imp, prometheus.NewRegistry(), nil, Config{})
	require.NoError(t, err)
	return srv, s, bag
}

func seedServerPattern(t *testing.T, s store.Store, bag *embeddings.WordBag, trigger, response string, confidence float64) *pattern.Pattern {
	t.Helper()
	p, err := pattern.New(trigger, response, pattern.TypeFAQ, pattern.SourceManual)
	require.NoError(t, err)
	p.Confidence = confidence
	p.TriggerSignature = string(signature.Normalize(trigger))

	vec, err := bag.EmbedQuery(context.Background(), trigger)
	require.NoError(t, err)
	p.Embedding = vec

	_, err = s.Upsert(context.Background(), p, 0.85)
	require.NoError(t, err)
	return p
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestPostMessageReturnsDecision(t *testing.T) {
	srv, s, bag := testServer(t)
	seedServerPattern(t, s, bag, "wifi password", "It's GolfGuest2024", 0.5)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"conv-1","channel_id":"sms","text":"wifi password?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, engine.DispositionSuggested, d.Action)
	assert.Equal(t, "It's GolfGuest2024", d.Text)
	assert.NotEmpty(t, d.ExecutionID)
}

func TestPostMessageValidation(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/messages",
		`{"channel_id":"sms","text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuggestionsAndOutcomeFlow(t *testing.T) {
	srv, s, bag := testServer(t)
	seedServerPattern(t, s, bag, "wifi password", "It's GolfGuest2024", 0.5)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"conv-1","text":"wifi password"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list SuggestionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Suggestions, 1)
	assert.Equal(t, d.ExecutionID, list.Suggestions[0].ID)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/executions/"+d.ExecutionID+"/outcome",
		`{"action":"accept"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The record turned terminal; acting on it again conflicts.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/executions/"+d.ExecutionID+"/outcome",
		`{"action":"reject"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Suggestions)
}

func TestOutcomeErrorMapping(t *testing.T) {
	srv, s, bag := testServer(t)
	seedServerPattern(t, s, bag, "wifi password", "It's GolfGuest2024", 0.5)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/executions/missing/outcome",
		`{"action":"accept"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	msg := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"conv-1","text":"wifi password"}`)
	require.Equal(t, http.StatusOK, msg.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(msg.Body.Bytes(), &d))

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/executions/"+d.ExecutionID+"/outcome",
		`{"action":"shrug"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportEndpoint(t *testing.T) {
	srv, s, _ := testServer(t)

	body, err := json.Marshal(ImportRequest{Content: "trigger,response\nwhat are your hours,We're open 9am-9pm\n"})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/import", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var res importer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Created)

	all, err := s.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/import", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
