package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/vectorindex"
)

// ChatMessage is one chat-archive hit with the attributes that feed the
// social-proof boost.
type ChatMessage struct {
	Text            string
	Channel         string
	Author          string
	Timestamp       time.Time
	ThreadLength    int
	HasCodeBlock    bool
	AuthorAuthority float64 // 0..1, e.g. derived from workspace role
	Permalink       string
}

// ChatSearcher searches a team-communication archive for messages
// containing solution indicators.
type ChatSearcher interface {
	SearchSolutions(ctx context.Context, query string, window time.Duration, channels []string) ([]ChatMessage, error)
}

const (
	chatConfidenceCap   = 0.98
	vectorConfidenceCap = 0.95
	modelConfidenceCap  = 0.8
	cacheConfidenceCap  = 0.95
)

// chatSource converts chat hits into candidates. Confidence is the
// source baseline plus a bounded social-proof boost and a relevance
// score, capped at 0.98.
func (s *Service) chatSource(ctx context.Context, event *incident.Event, analysis *incident.Analysis) ([]incident.Candidate, error) {
	if s.chat == nil {
		return nil, nil
	}

	query := buildChatQuery(event, analysis)
	messages, err := s.chat.SearchSolutions(ctx, query, s.cfg.ChatWindow, s.cfg.ChatChannels)
	if err != nil {
		return nil, fmt.Errorf("chat search: %w", err)
	}

	candidates := make([]incident.Candidate, 0, len(messages))
	for _, msg := range messages {
		conf := s.cfg.ChatBaseline + socialProof(msg) + relevance(query, msg.Text)
		if conf > chatConfidenceCap {
			conf = chatConfidenceCap
		}
		candidates = append(candidates, incident.Candidate{
			ResolutionID:     "chat-" + uuid.New().String(),
			Source:           incident.SourceChatHistory,
			Description:      firstLine(msg.Text),
			Steps:            stepsFromChat(msg.Text),
			Confidence:       incident.Clamp(conf),
			SuccessRate:      0.5,
			LastUsed:         msg.Timestamp,
			EnvironmentMatch: strings.Contains(strings.ToLower(msg.Text), event.Environment()),
			Metadata: map[string]any{
				"channel":   msg.Channel,
				"author":    msg.Author,
				"permalink": msg.Permalink,
			},
		})
	}
	return candidates, nil
}

// socialProof scores thread engagement: thread length, code blocks, and
// author authority, bounded to keep the baseline dominant.
func socialProof(msg ChatMessage) float64 {
	boost := float64(msg.ThreadLength) * 0.005
	if boost > 0.03 {
		boost = 0.03
	}
	if msg.HasCodeBlock {
		boost += 0.02
	}
	boost += incident.Clamp(msg.AuthorAuthority) * 0.02
	return boost
}

// relevance scores keyword overlap between the query and a message.
func relevance(query, text string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, w := range words {
		if len(w) > 3 && strings.Contains(lower, w) {
			hits++
		}
	}
	return 0.02 * float64(hits) / float64(len(words))
}

func buildChatQuery(event *incident.Event, analysis *incident.Analysis) string {
	parts := []string{string(analysis.Category), analysis.Subcategory, event.FailureType}
	if svc, ok := event.Context["service"]; ok {
		parts = append(parts, svc)
	}
	return strings.Join(parts, " ")
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	if len(text) > 140 {
		text = text[:140]
	}
	return text
}

// stepsFromChat extracts ordered steps from a message: numbered or
// bulleted lines when present, otherwise the message itself as one step.
func stepsFromChat(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") || startsWithDigit(trimmed) {
			steps = append(steps, strings.TrimLeft(trimmed, "-*0123456789. )"))
		}
	}
	if len(steps) == 0 {
		steps = []string{firstLine(text)}
	}
	return steps
}

func startsWithDigit(s string) bool {
	return len(s) > 1 && s[0] >= '0' && s[0] <= '9' && (s[1] == '.' || s[1] == ')')
}

// vectorSource embeds the incident and queries the index for similar
// past incidents, filtered by environment and category.
func (s *Service) vectorSource(ctx context.Context, event *incident.Event, analysis *incident.Analysis) ([]incident.Candidate, error) {
	if s.index == nil || s.embedder == nil {
		return nil, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, incidentText(event, analysis))
	if err != nil {
		return nil, fmt.Errorf("embedding incident: %w", err)
	}

	filter := vectorindex.Filter{"category": string(analysis.Category)}
	matches, err := s.index.Query(ctx, s.cfg.Collection, vector, s.cfg.SearchLimit, filter)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}

	candidates := make([]incident.Candidate, 0, len(matches))
	for _, m := range matches {
		successRate := parseFloat(m.Payload["success_rate"], 0.5)
		conf := s.cfg.VectorBaseline*float64(m.Score) + 0.15*successRate
		if conf > vectorConfidenceCap {
			conf = vectorConfidenceCap
		}

		lastUsed, _ := time.Parse(time.RFC3339, m.Payload["last_used"])
		candidates = append(candidates, incident.Candidate{
			ResolutionID:     m.Payload["resolution_id"],
			Source:           incident.SourceVectorSimilar,
			Description:      m.Payload["description"],
			Steps:            splitSteps(m.Payload["steps"]),
			Confidence:       incident.Clamp(conf),
			SuccessRate:      successRate,
			LastUsed:         lastUsed,
			EnvironmentMatch: m.Payload["environment"] == event.Environment(),
			Metadata: map[string]any{
				"similarity": float64(m.Score),
			},
		})
	}
	return candidates, nil
}

// incidentText is the canonical embedding text for an incident.
func incidentText(event *incident.Event, analysis *incident.Analysis) string {
	return fmt.Sprintf("%s %s %s %s %s",
		event.Source, event.FailureType, analysis.Category, analysis.Subcategory, event.ErrorText)
}

func splitSteps(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

// modelCandidate is the JSON shape requested per generated solution.
type modelCandidate struct {
	Description      string   `json:"description"`
	Steps            []string `json:"steps"`
	Confidence       float64  `json:"confidence"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
	Prerequisites    []string `json:"prerequisites,omitempty"`
	RollbackGuidance string   `json:"rollback_guidance,omitempty"`
}

// modelSource asks the model for 2-3 candidate fixes. Only consulted
// for novel or low-confidence analyses; each candidate's confidence is
// the minimum of its self-reported value and the source baseline,
// capped for safety.
func (s *Service) modelSource(ctx context.Context, event *incident.Event, analysis *incident.Analysis) ([]incident.Candidate, error) {
	if s.completer == nil {
		return nil, nil
	}
	if analysis.Confidence >= s.cfg.ModelConfidenceGate {
		return nil, nil
	}

	reply, err := s.completer.Complete(ctx, buildGenerationPrompt(event, analysis))
	if err != nil {
		return nil, fmt.Errorf("model generation: %w", err)
	}

	generated, err := parseGeneratedCandidates(reply)
	if err != nil {
		return nil, fmt.Errorf("model reply rejected: %w", err)
	}

	candidates := make([]incident.Candidate, 0, len(generated))
	for _, g := range generated {
		conf := g.Confidence
		if conf > s.cfg.ModelBaseline {
			conf = s.cfg.ModelBaseline
		}
		if conf > modelConfidenceCap {
			conf = modelConfidenceCap
		}
		metadata := map[string]any{}
		if g.RollbackGuidance != "" {
			metadata["rollback_guidance"] = g.RollbackGuidance
		}
		if len(g.Prerequisites) > 0 {
			metadata["prerequisites"] = g.Prerequisites
		}
		candidates = append(candidates, incident.Candidate{
			ResolutionID:     "gen-" + uuid.New().String(),
			Source:           incident.SourceModelGenerated,
			Description:      g.Description,
			Steps:            g.Steps,
			Confidence:       incident.Clamp(conf),
			SuccessRate:      0.5,
			EnvironmentMatch: true,
			EstimatedMinutes: g.EstimatedMinutes,
			Metadata:         metadata,
		})
	}
	return candidates, nil
}

func buildGenerationPrompt(event *incident.Event, analysis *incident.Analysis) string {
	var b strings.Builder
	b.WriteString("Propose 2-3 candidate fixes for this deployment failure.\n\n")
	fmt.Fprintf(&b, "Platform: %s, failure type: %s, environment: %s\n",
		event.Source, event.FailureType, event.Environment())
	fmt.Fprintf(&b, "Root cause: %s (%s/%s)\n", analysis.RootCause, analysis.Category, analysis.Subcategory)
	errText := event.ErrorText
	if len(errText) > 2048 {
		errText = errText[:2048]
	}
	fmt.Fprintf(&b, "\nError:\n```\n%s\n```\n\n", errText)
	b.WriteString(`Respond with a JSON array:
[{"description": "...", "steps": ["..."], "confidence": 0.0, "estimated_minutes": 0, "prerequisites": ["..."], "rollback_guidance": "..."}]`)
	return b.String()
}

// parseGeneratedCandidates extracts the first JSON array from the reply
// and validates required fields.
func parseGeneratedCandidates(raw string) ([]modelCandidate, error) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}

	var out []modelCandidate
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}

	valid := out[:0]
	for _, c := range out {
		if c.Description == "" || len(c.Steps) == 0 {
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid candidates in reply")
	}
	return valid, nil
}

// cacheSource offers previously successful solutions with matching or
// similar signatures, reuse-boosted and capped.
func (s *Service) cacheSource(_ context.Context, _ *incident.Event, analysis *incident.Analysis) ([]incident.Candidate, error) {
	sig := NewSignature(analysis)
	hits := s.cache.Lookup(sig)

	candidates := make([]incident.Candidate, 0, len(hits))
	for _, hit := range hits {
		c := hit.candidate
		conf := c.Confidence + 0.05*hit.similarity + 0.05*hit.successRate
		if conf > cacheConfidenceCap {
			conf = cacheConfidenceCap
		}
		c.Confidence = incident.Clamp(conf)
		c.Source = incident.SourceCachedSolution
		c.SuccessRate = hit.successRate
		candidates = append(candidates, c)
	}
	return candidates, nil
}
