package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/vectorindex"
)

type mockChatSearcher struct {
	messages []ChatMessage
	err      error
}

func (m *mockChatSearcher) SearchSolutions(ctx context.Context, query string, window time.Duration, channels []string) ([]ChatMessage, error) {
	return m.messages, m.err
}

type mockEmbedder struct {
	vector []float32
	err    error
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return m.vector, m.err
}

func (m *mockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.vector
	}
	return out, m.err
}

type mockCompleter struct {
	reply string
	err   error
	calls int
}

func (m *mockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls++
	return m.reply, m.err
}

type mockIndex struct {
	matches  []vectorindex.Match
	queryErr error
	upserted []vectorindex.Record
}

func (m *mockIndex) EnsureCollection(ctx context.Context, name string) error { return nil }

func (m *mockIndex) Upsert(ctx context.Context, collection string, records []vectorindex.Record) error {
	m.upserted = append(m.upserted, records...)
	return nil
}

func (m *mockIndex) Query(ctx context.Context, collection string, vector []float32, limit int, filter vectorindex.Filter) ([]vectorindex.Match, error) {
	return m.matches, m.queryErr
}

func (m *mockIndex) Close() error { return nil }

func knowledgeConfig() config.KnowledgeConfig {
	cfg := config.Default().Knowledge
	cfg.SourceTimeout = time.Second
	return cfg
}

func retrievalEvent() *incident.Event {
	return &incident.Event{
		ID:          "inc-1",
		Source:      incident.SourceKubernetes,
		FailureType: "CrashLoopBackOff",
		ErrorText:   "OOMKilled",
		Context:     map[string]string{"environment": "staging"},
	}
}

func retrievalAnalysis(confidence float64) *incident.Analysis {
	return &incident.Analysis{
		Category:    incident.CategoryResource,
		Subcategory: "memory_limit",
		RootCause:   "memory limit too low",
		Fixability:  incident.FixabilityAuto,
		Confidence:  confidence,
	}
}

const generatedReply = `[
	{"description": "raise the memory limit", "steps": ["edit deployment", "apply"], "confidence": 0.9},
	{"description": "add a liveness delay", "steps": ["edit probe"], "confidence": 0.4}
]`

func TestRetrieve_SourceFailureIsolation(t *testing.T) {
	chat := &mockChatSearcher{err: errors.New("chat archive down")}
	completer := &mockCompleter{reply: generatedReply}
	svc := NewService(knowledgeConfig(), nil,
		WithChatSearcher(chat),
		WithCompleter(completer),
	)

	candidates := svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.5))

	// The failed chat source is skipped; model candidates still arrive.
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.Equal(t, incident.SourceModelGenerated, c.Source)
	}
}

func TestRetrieve_ConfidenceDescending(t *testing.T) {
	chat := &mockChatSearcher{messages: []ChatMessage{
		{Text: "restart the pod\n1. kubectl rollout restart", Timestamp: time.Now()},
	}}
	completer := &mockCompleter{reply: generatedReply}
	svc := NewService(knowledgeConfig(), nil,
		WithChatSearcher(chat),
		WithCompleter(completer),
	)

	candidates := svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.5))

	require.NotEmpty(t, candidates)
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Confidence, candidates[i].Confidence)
	}
	// The chat candidate's 0.90 baseline beats the 0.65 model cap.
	assert.Equal(t, incident.SourceChatHistory, candidates[0].Source)
}

func TestRetrieve_ModelGate(t *testing.T) {
	completer := &mockCompleter{reply: generatedReply}
	svc := NewService(knowledgeConfig(), nil, WithCompleter(completer))

	// High-confidence analyses skip model generation entirely.
	candidates := svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.95))
	assert.Empty(t, candidates)
	assert.Equal(t, 0, completer.calls)

	// Generation runs only strictly below the gate; confidence exactly
	// at the gate still skips it.
	candidates = svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.8))
	assert.Empty(t, candidates)
	assert.Equal(t, 0, completer.calls)

	candidates = svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.5))
	assert.NotEmpty(t, candidates)
	assert.Equal(t, 1, completer.calls)
}

func TestRetrieve_ModelConfidenceCapped(t *testing.T) {
	completer := &mockCompleter{reply: generatedReply}
	svc := NewService(knowledgeConfig(), nil, WithCompleter(completer))

	candidates := svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.5))
	require.Len(t, candidates, 2)
	// Self-reported 0.9 is clamped to the 0.65 baseline; 0.4 passes through.
	assert.InDelta(t, 0.65, candidates[0].Confidence, 1e-9)
	assert.InDelta(t, 0.4, candidates[1].Confidence, 1e-9)
}

func TestRetrieve_VectorSource(t *testing.T) {
	index := &mockIndex{matches: []vectorindex.Match{
		{
			Record: vectorindex.Record{
				ID: "res-1",
				Payload: map[string]string{
					"resolution_id": "res-1",
					"description":   "raise memory limit to 512Mi",
					"steps":         "edit deployment\napply",
					"category":      "resource",
					"environment":   "staging",
					"success_rate":  "0.8",
					"last_used":     time.Now().UTC().Format(time.RFC3339),
				},
			},
			Score: 0.9,
		},
	}}
	svc := NewService(knowledgeConfig(), nil, WithVectorSearch(index, &mockEmbedder{vector: []float32{0.1}}))

	candidates := svc.Retrieve(context.Background(), retrievalEvent(), retrievalAnalysis(0.9))

	require.Len(t, candidates, 1)
	c := candidates[0]
	assert.Equal(t, incident.SourceVectorSimilar, c.Source)
	assert.Equal(t, "res-1", c.ResolutionID)
	// 0.80*0.9 + 0.15*0.8
	assert.InDelta(t, 0.84, c.Confidence, 1e-9)
	assert.True(t, c.EnvironmentMatch)
	assert.Equal(t, []string{"edit deployment", "apply"}, c.Steps)
}

func TestDeduplicate_KeepsFirst(t *testing.T) {
	candidates := []incident.Candidate{
		{ResolutionID: "a", Steps: []string{"Restart The Pod", "verify"}},
		{ResolutionID: "b", Steps: []string{"restart the pod", "  verify  "}},
		{ResolutionID: "c", Steps: []string{"something else"}},
	}

	out := Deduplicate(candidates)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ResolutionID)
	assert.Equal(t, "c", out[1].ResolutionID)
}

func TestDeduplicate_Idempotent(t *testing.T) {
	candidates := []incident.Candidate{
		{ResolutionID: "a", Steps: []string{"one"}},
		{ResolutionID: "b", Steps: []string{"one"}},
		{ResolutionID: "c", Steps: []string{"two"}},
	}
	once := Deduplicate(candidates)
	twice := Deduplicate(once)
	assert.Equal(t, once, twice)
}

func TestRank_TiebreakByResolutionID(t *testing.T) {
	candidates := []incident.Candidate{
		{ResolutionID: "b", Confidence: 0.8},
		{ResolutionID: "a", Confidence: 0.8},
		{ResolutionID: "c", Confidence: 0.9},
	}
	ranked := Rank(candidates)
	assert.Equal(t, "c", ranked[0].ResolutionID)
	assert.Equal(t, "a", ranked[1].ResolutionID)
	assert.Equal(t, "b", ranked[2].ResolutionID)
}

func TestStoreResolution_SuccessfulModelSolutionCached(t *testing.T) {
	index := &mockIndex{}
	svc := NewService(knowledgeConfig(), nil, WithVectorSearch(index, &mockEmbedder{vector: []float32{0.1}}))

	analysis := retrievalAnalysis(0.7)
	candidate := &incident.Candidate{
		ResolutionID: "gen-1",
		Source:       incident.SourceModelGenerated,
		Description:  "raise the memory limit",
		Steps:        []string{"edit deployment", "apply"},
		Confidence:   0.65,
		SuccessRate:  0.5,
	}

	svc.StoreResolution(context.Background(), retrievalEvent(), analysis, candidate, true)

	require.Len(t, index.upserted, 1)
	assert.Equal(t, "gen-1", index.upserted[0].Payload["resolution_id"])
	assert.Equal(t, 1, svc.cache.Len())

	hits := svc.cache.Lookup(NewSignature(analysis))
	require.NotEmpty(t, hits)
	// EMA folded the success in before caching: 0.3*1 + 0.7*0.5.
	assert.InDelta(t, 0.65, hits[0].successRate, 1e-9)
}

func TestStoreResolution_OneRateStepPerIncident(t *testing.T) {
	svc := NewService(knowledgeConfig(), nil)
	analysis := retrievalAnalysis(0.7)

	candidate := &incident.Candidate{
		ResolutionID: "gen-1",
		Source:       incident.SourceModelGenerated,
		Description:  "raise the memory limit",
		Steps:        []string{"edit deployment", "apply"},
		Confidence:   0.65,
		SuccessRate:  0.5,
	}
	svc.StoreResolution(context.Background(), retrievalEvent(), analysis, candidate, true)

	hits := svc.cache.Lookup(NewSignature(analysis))
	require.NotEmpty(t, hits)
	// First executed incident: exactly one EMA step, 0.3*1 + 0.7*0.5.
	assert.InDelta(t, 0.65, hits[0].successRate, 1e-9)

	// A second incident reuses the cached solution and succeeds; the
	// rate moves by exactly one more step, 0.3*1 + 0.7*0.65.
	reused := hits[0].candidate
	reused.Source = incident.SourceCachedSolution
	svc.StoreResolution(context.Background(), retrievalEvent(), analysis, &reused, true)

	hits = svc.cache.Lookup(NewSignature(analysis))
	require.NotEmpty(t, hits)
	assert.InDelta(t, 0.755, hits[0].successRate, 1e-9)
}

func TestStoreResolution_FailedSolutionNotCached(t *testing.T) {
	svc := NewService(knowledgeConfig(), nil)

	candidate := &incident.Candidate{
		ResolutionID: "gen-1",
		Source:       incident.SourceModelGenerated,
		Steps:        []string{"edit deployment"},
		SuccessRate:  0.5,
	}
	svc.StoreResolution(context.Background(), retrievalEvent(), retrievalAnalysis(0.7), candidate, false)

	assert.Equal(t, 0, svc.cache.Len())
}

func TestStoreResolution_ChatSolutionNotCached(t *testing.T) {
	svc := NewService(knowledgeConfig(), nil)

	candidate := &incident.Candidate{
		ResolutionID: "chat-1",
		Source:       incident.SourceChatHistory,
		Steps:        []string{"restart"},
		SuccessRate:  0.5,
	}
	svc.StoreResolution(context.Background(), retrievalEvent(), retrievalAnalysis(0.7), candidate, true)

	assert.Equal(t, 0, svc.cache.Len())
}

func TestStepsFromChat(t *testing.T) {
	text := "here is what fixed it:\n1. bump the limit\n2) redeploy\n- verify pods"
	steps := stepsFromChat(text)
	assert.Equal(t, []string{"bump the limit", "redeploy", "verify pods"}, steps)

	assert.Equal(t, []string{"just restart it"}, stepsFromChat("just restart it"))
}

func TestParseGeneratedCandidates_DropsInvalid(t *testing.T) {
	reply := `[
		{"description": "", "steps": ["a"]},
		{"description": "valid", "steps": ["a"], "confidence": 0.5},
		{"description": "no steps", "steps": []}
	]`
	out, err := parseGeneratedCandidates(reply)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "valid", out[0].Description)
}

func TestParseGeneratedCandidates_NoArray(t *testing.T) {
	_, err := parseGeneratedCandidates("I would raise the memory limit.")
	require.Error(t, err)
}
