package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

func TestEvaluatePatterns_OOMKilled(t *testing.T) {
	rules := buildSignatureRules()
	result := evaluatePatterns(rules, "Container main terminated: OOMKilled", incident.SourceKubernetes)

	require.NotNil(t, result)
	assert.Equal(t, incident.CategoryResource, result.category)
	assert.Equal(t, "memory_limit", result.subcategory)
	assert.Equal(t, incident.FixabilityAuto, result.fixability)
	assert.InDelta(t, 0.79, result.confidence, 1e-9)
}

func TestEvaluatePatterns_Deterministic(t *testing.T) {
	rules := buildSignatureRules()
	text := "ImagePullBackOff: failed to pull image registry.local/api:latest"

	first := evaluatePatterns(rules, text, incident.SourceKubernetes)
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		again := evaluatePatterns(rules, text, incident.SourceKubernetes)
		require.NotNil(t, again)
		assert.Equal(t, *first, *again)
	}
}

func TestEvaluatePatterns_RepeatBonus(t *testing.T) {
	rules := buildSignatureRules()
	text := "OOMKilled\nOOMKilled\nOOMKilled"
	result := evaluatePatterns(rules, text, incident.SourceKubernetes)

	require.NotNil(t, result)
	// base 0.6 + boost 0.19 + 2 extra occurrences * 0.02
	assert.InDelta(t, 0.83, result.confidence, 1e-9)
}

func TestEvaluatePatterns_RepeatBonusCapped(t *testing.T) {
	rules := buildSignatureRules()
	text := ""
	for i := 0; i < 20; i++ {
		text += "OOMKilled\n"
	}
	result := evaluatePatterns(rules, text, incident.SourceKubernetes)

	require.NotNil(t, result)
	assert.InDelta(t, 0.89, result.confidence, 1e-9)
}

func TestEvaluatePatterns_PlatformHint(t *testing.T) {
	rules := buildSignatureRules()
	text := "ErrImagePull: manifest unknown"

	hinted := evaluatePatterns(rules, text, incident.SourceKubernetes)
	unhinted := evaluatePatterns(rules, text, incident.SourceGitHubActions)

	require.NotNil(t, hinted)
	require.NotNil(t, unhinted)
	assert.InDelta(t, hintBonus, hinted.confidence-unhinted.confidence, 1e-9)
}

func TestEvaluatePatterns_HighestConfidenceWins(t *testing.T) {
	rules := buildSignatureRules()
	text := "syntax error in workflow after request timed out"
	result := evaluatePatterns(rules, text, incident.SourceUnknown)

	require.NotNil(t, result)
	assert.Equal(t, "syntax_error", result.subcategory)
}

func TestEvaluatePatterns_NoMatch(t *testing.T) {
	rules := buildSignatureRules()
	assert.Nil(t, evaluatePatterns(rules, "everything is fine", incident.SourceKubernetes))
}

func TestKeywordFallback(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		category   incident.Category
		confidence float64
	}{
		{"config keyword", "bad config detected", incident.CategoryConfig, 0.6},
		{"auth keyword", "credential rotation needed", incident.CategoryAuth, 0.55},
		{"resource keyword", "cpu starvation", incident.CategoryResource, 0.5},
		{"dependency keyword", "import cycle broke the build", incident.CategoryDependency, 0.45},
		{"unknown", "something odd happened", incident.CategoryUnknown, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis := keywordFallback(tt.text)
			assert.Equal(t, tt.category, analysis.Category)
			assert.InDelta(t, tt.confidence, analysis.Confidence, 1e-9)
		})
	}
}

func TestKeywordFallback_UnknownRequiresApproval(t *testing.T) {
	analysis := keywordFallback("no recognizable keywords here")
	assert.Equal(t, incident.CategoryUnknown, analysis.Category)
	assert.True(t, analysis.RequiresApproval)
	assert.Equal(t, incident.FixabilityInvestigate, analysis.Fixability)
}

func TestExtractComponents(t *testing.T) {
	text := `pod api-7f9c crashed in namespace prod-east; deployment api restarted; pod api-7f9c evicted`
	context := map[string]string{"service": "api", "namespace": "prod-east"}

	components := extractComponents(text, context)

	assert.Contains(t, components, "api")
	assert.Contains(t, components, "prod-east")
	assert.Contains(t, components, "api-7f9c")
	// Duplicates collapse.
	count := 0
	for _, c := range components {
		if c == "api-7f9c" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractComponents_Capped(t *testing.T) {
	text := ""
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		text += "pod " + name + "1 failed\n"
	}
	components := extractComponents(text, nil)
	assert.LessOrEqual(t, len(components), maxComponents)
}
