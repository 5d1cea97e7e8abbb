package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

const (
	// patternNudge is the per-observation confidence adjustment.
	patternNudge = 0.01

	// patternAdjustmentBound clamps the accumulated adjustment.
	patternAdjustmentBound = 0.1

	// maxSignatureSnippets bounds the snippets folded into a signature.
	maxSignatureSnippets = 3
)

// snippetPattern extracts error-bearing fragments between 20 and 60
// characters for signature derivation.
var snippetPattern = regexp.MustCompile(`(?i)(?:error|failed|exception|timeout)[^\n]{16,56}`)

// PatternStat is a learned error signature's track record. Created on
// the first successful resolution of a new signature; never deleted,
// only decayed via counters.
type PatternStat struct {
	Category     incident.Category `json:"category"`
	Subcategory  string            `json:"subcategory"`
	Signature    string            `json:"signature"`
	Successes    int               `json:"successes"`
	Failures     int               `json:"failures"`
	Adjustment   float64           `json:"adjustment"`
	Environments []string          `json:"environments,omitempty"`
	Services     []string          `json:"services,omitempty"`
}

func patternStoreKey(category incident.Category, signature string) string {
	return fmt.Sprintf("pattern/%s/%s", category, signature)
}

// ErrorSignature hashes the error log's matched snippets into a stable
// fingerprint. Returns "" when the text carries no error fragments.
func ErrorSignature(errorText string) string {
	snippets := snippetPattern.FindAllString(errorText, maxSignatureSnippets)
	if len(snippets) == 0 {
		return ""
	}
	h := sha256.New()
	for _, s := range snippets {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// learnPattern updates the signature's track record. Success nudges the
// confidence adjustment up, failure down, clamped to the bound.
func (s *Service) learnPattern(event *incident.Event, analysis *incident.Analysis, success bool) {
	signature := ErrorSignature(event.ErrorText)
	if signature == "" {
		return
	}

	key := patternStoreKey(analysis.Category, signature)
	var stat *PatternStat
	if v, ok := s.store.Get(key); ok {
		if existing, ok := v.(*PatternStat); ok {
			stat = existing
		}
	}
	if stat == nil {
		// New signatures enter the table only through a success.
		if !success {
			return
		}
		stat = &PatternStat{
			Category:    analysis.Category,
			Subcategory: analysis.Subcategory,
			Signature:   signature,
		}
	}

	if success {
		stat.Successes++
		stat.Adjustment += patternNudge
	} else {
		stat.Failures++
		stat.Adjustment -= patternNudge
	}
	if stat.Adjustment > patternAdjustmentBound {
		stat.Adjustment = patternAdjustmentBound
	}
	if stat.Adjustment < -patternAdjustmentBound {
		stat.Adjustment = -patternAdjustmentBound
	}

	stat.Environments = appendUnique(stat.Environments, event.Environment())
	if svc := event.Context["service"]; svc != "" {
		stat.Services = appendUnique(stat.Services, svc)
	}

	s.store.Upsert(key, stat)
}

// PatternAdjustment returns the learned confidence adjustment for an
// error signature, or 0 for unknown signatures.
func (s *Service) PatternAdjustment(category incident.Category, errorText string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	signature := ErrorSignature(errorText)
	if signature == "" {
		return 0
	}
	if v, ok := s.store.Get(patternStoreKey(category, signature)); ok {
		if stat, ok := v.(*PatternStat); ok {
			return stat.Adjustment
		}
	}
	return 0
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
