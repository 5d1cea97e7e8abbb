package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// modelAnalysis is the JSON shape requested from the model.
type modelAnalysis struct {
	Category         string   `json:"category"`
	Subcategory      string   `json:"subcategory"`
	RootCause        string   `json:"root_cause"`
	Fixability       string   `json:"fixability"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	FixActions       []string `json:"fix_actions,omitempty"`
	AffectedFiles    []string `json:"affected_files,omitempty"`
	EstimatedFixTime int      `json:"estimated_fix_time,omitempty"`
}

// buildAnalysisPrompt embeds incident metadata, truncated logs, and the
// pattern-match hint into a structured classification prompt.
func buildAnalysisPrompt(event *incident.Event, logs string, pattern *patternResult) string {
	var b strings.Builder

	b.WriteString("You are a deployment-failure analyst. Classify the incident below.\n\n")
	fmt.Fprintf(&b, "Source platform: %s\n", event.Source)
	fmt.Fprintf(&b, "Failure type: %s\n", event.FailureType)
	fmt.Fprintf(&b, "Severity: %s\n", event.Severity)
	fmt.Fprintf(&b, "Environment: %s\n", event.Environment())
	for _, key := range []string{"service", "component", "namespace", "application"} {
		if v, ok := event.Context[key]; ok {
			fmt.Fprintf(&b, "%s: %s\n", key, v)
		}
	}

	if pattern != nil {
		fmt.Fprintf(&b, "\nPattern pre-classification: category=%s subcategory=%s (matched %q)\n",
			pattern.category, pattern.subcategory, pattern.matched)
	}

	b.WriteString("\nError logs:\n```\n")
	b.WriteString(logs)
	b.WriteString("\n```\n\n")

	b.WriteString(`Respond with a single JSON object:
{
  "category": "config|auth|resource|dependency|drift|unknown",
  "subcategory": "<short snake_case label>",
  "root_cause": "<one sentence>",
  "fixability": "auto|retry|investigate",
  "confidence": <0.0-1.0>,
  "reasoning": "<brief>",
  "fix_actions": ["<optional ordered actions>"],
  "affected_files": ["<optional file paths>"],
  "estimated_fix_time": <optional minutes>
}`)

	return b.String()
}

// parseModelAnalysis extracts and validates the model's JSON reply.
// Any malformed response or invalid enum discards the model path; the
// caller treats a nil return as absent data, never as an error.
func parseModelAnalysis(raw string) (*modelAnalysis, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in model reply")
	}

	var ma modelAnalysis
	if err := json.Unmarshal([]byte(payload), &ma); err != nil {
		return nil, fmt.Errorf("decoding model reply: %w", err)
	}

	if !incident.ValidCategory(ma.Category) {
		return nil, fmt.Errorf("invalid category %q", ma.Category)
	}
	if !incident.ValidFixability(ma.Fixability) {
		return nil, fmt.Errorf("invalid fixability %q", ma.Fixability)
	}
	if ma.RootCause == "" {
		return nil, fmt.Errorf("missing root_cause")
	}
	ma.Confidence = incident.Clamp(ma.Confidence)
	return &ma, nil
}

// extractJSON returns the first well-formed JSON object in s, looking
// inside fenced code blocks first, then scanning for a balanced object.
func extractJSON(s string) (string, bool) {
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			if obj, ok := balancedObject(rest[:end]); ok {
				return obj, true
			}
		}
	}
	return balancedObject(s)
}

// balancedObject scans for the first brace-balanced object, respecting
// string literals and escapes.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
