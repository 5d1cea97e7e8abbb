package analyzer

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

const (
	// baseConfidence is the starting confidence for any signature match.
	baseConfidence = 0.6

	// repeatBonusStep is added per occurrence beyond the first.
	repeatBonusStep = 0.02

	// repeatBonusCap bounds the repeated-match bonus.
	repeatBonusCap = 0.1

	// hintBonus is added when the matched subcategory is hinted by the
	// incident's source platform.
	hintBonus = 0.05

	// maxComponents caps the affected-components list.
	maxComponents = 10
)

// signatureRule ties an error signature to a classification and a
// confidence boost over the base.
type signatureRule struct {
	regex       *regexp.Regexp
	category    incident.Category
	subcategory string
	fixability  incident.Fixability
	boost       float64
}

// buildSignatureRules returns the ordered signature set. All rules are
// evaluated against the error text; the highest confidence wins.
func buildSignatureRules() []signatureRule {
	return []signatureRule{
		{
			regex:       regexp.MustCompile(`(?i)syntax error|compilation failed|cannot parse|unexpected token`),
			category:    incident.CategoryConfig,
			subcategory: "syntax_error",
			fixability:  incident.FixabilityAuto,
			boost:       0.20,
		},
		{
			regex:       regexp.MustCompile(`(?i)OOMKilled|out of memory|memory limit exceeded`),
			category:    incident.CategoryResource,
			subcategory: "memory_limit",
			fixability:  incident.FixabilityAuto,
			boost:       0.19,
		},
		{
			regex:       regexp.MustCompile(`(?i)ImagePullBackOff|ErrImagePull|failed to pull image|manifest unknown`),
			category:    incident.CategoryDependency,
			subcategory: "image_pull",
			fixability:  incident.FixabilityAuto,
			boost:       0.18,
		},
		{
			regex:       regexp.MustCompile(`(?i)CrashLoopBackOff|back-?off restarting failed container`),
			category:    incident.CategoryResource,
			subcategory: "crash_loop",
			fixability:  incident.FixabilityAuto,
			boost:       0.18,
		},
		{
			regex:       regexp.MustCompile(`(?i)module not found|no module named|package .{1,80} not found|cannot find module|missing dependency`),
			category:    incident.CategoryDependency,
			subcategory: "missing_dependency",
			fixability:  incident.FixabilityAuto,
			boost:       0.17,
		},
		{
			regex:       regexp.MustCompile(`(?i)permission denied|forbidden|status(?: code)? 403`),
			category:    incident.CategoryAuth,
			subcategory: "permission",
			fixability:  incident.FixabilityInvestigate,
			boost:       0.16,
		},
		{
			regex:       regexp.MustCompile(`(?i)unauthorized|status(?: code)? 401|invalid (?:api )?key|token (?:is )?expired|authentication failed|bad credentials`),
			category:    incident.CategoryAuth,
			subcategory: "credentials",
			fixability:  incident.FixabilityAuto,
			boost:       0.16,
		},
		{
			regex:       regexp.MustCompile(`(?i)missing (?:required )?env(?:ironment)? var|environment variable .{1,80} (?:not set|is not defined)|config(?:uration)? (?:error|invalid|not found)|invalid yaml|unknown field`),
			category:    incident.CategoryConfig,
			subcategory: "environment",
			fixability:  incident.FixabilityAuto,
			boost:       0.15,
		},
		{
			regex:       regexp.MustCompile(`(?i)quota exceeded|insufficient (?:cpu|memory|quota)|evicted|disk pressure`),
			category:    incident.CategoryResource,
			subcategory: "quota",
			fixability:  incident.FixabilityAuto,
			boost:       0.14,
		},
		{
			regex:       regexp.MustCompile(`(?i)out of sync|sync(?:hronization)? failed|diff detected|comparison error`),
			category:    incident.CategoryDrift,
			subcategory: "sync_drift",
			fixability:  incident.FixabilityAuto,
			boost:       0.12,
		},
		{
			regex:       regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|connection refused|connection reset|temporarily unavailable`),
			category:    incident.CategoryDependency,
			subcategory: "timeout",
			fixability:  incident.FixabilityRetry,
			boost:       0.10,
		},
		{
			regex:       regexp.MustCompile(`(?i)version mismatch|incompatible version|requires .{1,40} version|unsupported api version`),
			category:    incident.CategoryDrift,
			subcategory: "version_drift",
			fixability:  incident.FixabilityInvestigate,
			boost:       0.07,
		},
	}
}

// platformHints maps a source platform to the subcategories it makes
// more likely. A matching hint adds hintBonus to the confidence.
var platformHints = map[incident.SourcePlatform]map[string]bool{
	incident.SourceGitHubActions: {
		"syntax_error":       true,
		"missing_dependency": true,
		"workflow":           true,
	},
	incident.SourceArgoCD: {
		"sync_drift":    true,
		"version_drift": true,
	},
	incident.SourceKubernetes: {
		"image_pull": true,
		"crash_loop": true,
	},
}

// patternResult is the outcome of evaluating the signature set.
type patternResult struct {
	category    incident.Category
	subcategory string
	fixability  incident.Fixability
	confidence  float64
	matched     string
}

// evaluatePatterns runs every rule against the text and returns the
// highest-confidence classification, or nil when nothing matches.
// Deterministic: identical text and source always yield the same result.
func evaluatePatterns(rules []signatureRule, text string, source incident.SourcePlatform) *patternResult {
	var best *patternResult
	hints := platformHints[source]

	for _, rule := range rules {
		matches := rule.regex.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}

		conf := baseConfidence + rule.boost
		if extra := float64(len(matches)-1) * repeatBonusStep; extra > 0 {
			if extra > repeatBonusCap {
				extra = repeatBonusCap
			}
			conf += extra
		}
		if hints[rule.subcategory] {
			conf += hintBonus
		}
		conf = incident.Clamp(conf)

		if best == nil || conf > best.confidence {
			start, end := matches[0][0], matches[0][1]
			best = &patternResult{
				category:    rule.category,
				subcategory: rule.subcategory,
				fixability:  rule.fixability,
				confidence:  conf,
				matched:     text[start:end],
			}
		}
	}
	return best
}

// keywordFallback is the last-resort classification used when both the
// signature set and the model path produced nothing.
func keywordFallback(text string) incident.Analysis {
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "config"):
		return incident.Analysis{
			Category:    incident.CategoryConfig,
			Subcategory: "general",
			RootCause:   "configuration-related failure (keyword heuristic)",
			Fixability:  incident.FixabilityAuto,
			Confidence:  0.6,
		}
	case strings.Contains(lower, "auth"), strings.Contains(lower, "credential"), strings.Contains(lower, "secret"):
		return incident.Analysis{
			Category:    incident.CategoryAuth,
			Subcategory: "general",
			RootCause:   "authentication-related failure (keyword heuristic)",
			Fixability:  incident.FixabilityInvestigate,
			Confidence:  0.55,
		}
	case strings.Contains(lower, "memory"), strings.Contains(lower, "cpu"), strings.Contains(lower, "resource"):
		return incident.Analysis{
			Category:    incident.CategoryResource,
			Subcategory: "general",
			RootCause:   "resource-related failure (keyword heuristic)",
			Fixability:  incident.FixabilityAuto,
			Confidence:  0.5,
		}
	case strings.Contains(lower, "dependency"), strings.Contains(lower, "import"), strings.Contains(lower, "timeout"):
		return incident.Analysis{
			Category:    incident.CategoryDependency,
			Subcategory: "general",
			RootCause:   "dependency-related failure (keyword heuristic)",
			Fixability:  incident.FixabilityRetry,
			Confidence:  0.45,
		}
	default:
		return incident.Analysis{
			Category:         incident.CategoryUnknown,
			Subcategory:      "unclassified",
			RootCause:        "unable to classify failure",
			Fixability:       incident.FixabilityInvestigate,
			Confidence:       0.3,
			RequiresApproval: true,
		}
	}
}

// componentPatterns extract resource-name tokens from error text.
var componentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pod[\s/"']+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)service[\s/"']+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)deployment[\s/"']+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)namespace[\s/"']+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)image[\s/"':]+([a-z0-9][a-z0-9./:_-]*)`),
	regexp.MustCompile(`(?i)workflow[\s/"']+([a-z0-9][a-z0-9._-]*)`),
	regexp.MustCompile(`(?i)application[\s/"']+([a-z0-9][a-z0-9.-]*)`),
}

// extractComponents merges context fields with resource tokens found in
// the error text, deduplicated and capped at maxComponents.
func extractComponents(text string, context map[string]string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] || len(out) >= maxComponents {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, key := range []string{"service", "component", "namespace", "application"} {
		if v, ok := context[key]; ok {
			add(v)
		}
	}
	for _, pattern := range componentPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 {
				add(m[1])
			}
		}
	}
	return out
}
