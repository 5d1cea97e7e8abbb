package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

const (
	// cacheSimilarityThreshold qualifies a cached solution for reuse.
	cacheSimilarityThreshold = 0.7

	// successRateAlpha is the EMA weight for outcome updates.
	successRateAlpha = 0.3
)

// Signature fingerprints an analysis for cache matching.
type Signature struct {
	Category    incident.Category
	Subcategory string
	Indicators  []string
	Confidence  float64
}

// NewSignature derives a cache signature from an analysis.
func NewSignature(analysis *incident.Analysis) Signature {
	indicators := make([]string, 0, len(analysis.FixActions)+len(analysis.AffectedFiles))
	indicators = append(indicators, analysis.FixActions...)
	indicators = append(indicators, analysis.AffectedFiles...)
	sort.Strings(indicators)

	return Signature{
		Category:    analysis.Category,
		Subcategory: analysis.Subcategory,
		Indicators:  indicators,
		Confidence:  analysis.Confidence,
	}
}

// Hash returns a stable identifier for the signature.
func (s Signature) Hash() string {
	h := sha256.New()
	h.Write([]byte(s.Category))
	h.Write([]byte{0})
	h.Write([]byte(s.Subcategory))
	for _, ind := range s.Indicators {
		h.Write([]byte{0})
		h.Write([]byte(ind))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// similarity scores two signatures: 40% category match, 30% subcategory
// match, 20% indicator overlap, 10% confidence proximity.
func (s Signature) similarity(other Signature) float64 {
	var score float64
	if s.Category == other.Category {
		score += 0.4
	}
	if s.Subcategory == other.Subcategory {
		score += 0.3
	}
	score += 0.2 * jaccard(s.Indicators, other.Indicators)
	score += 0.1 * (1 - abs(s.Confidence-other.Confidence))
	return score
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[strings.ToLower(v)] = true
	}
	inter := 0
	union := len(set)
	for _, v := range b {
		if set[strings.ToLower(v)] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type cacheEntry struct {
	signature   Signature
	candidate   incident.Candidate
	successRate float64
	uses        int
	storedAt    time.Time
}

// solutionCache is the bounded in-process cache of previously
// successful model-generated solutions. Oldest entries are evicted
// when the bound is reached. Safe for concurrent incident processing.
type solutionCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
	now     func() time.Time
}

func newSolutionCache(maxSize int) *solutionCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &solutionCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Put stores a solution under its signature, evicting the oldest entry
// when full.
func (c *solutionCache) Put(sig Signature, candidate incident.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sig.Hash()
	if existing, ok := c.entries[key]; ok {
		existing.candidate = candidate
		existing.storedAt = c.now()
		return
	}

	if len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey = k
				oldest = e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = &cacheEntry{
		signature:   sig,
		candidate:   candidate,
		successRate: candidate.SuccessRate,
		storedAt:    c.now(),
	}
}

// cacheHit is one qualifying cached solution.
type cacheHit struct {
	candidate   incident.Candidate
	similarity  float64
	successRate float64
}

// Lookup returns cached solutions whose signature similarity exceeds
// the reuse threshold, best match first.
func (c *solutionCache) Lookup(sig Signature) []cacheHit {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hits []cacheHit
	for _, e := range c.entries {
		sim := sig.similarity(e.signature)
		if sim > cacheSimilarityThreshold {
			hits = append(hits, cacheHit{
				candidate:   e.candidate,
				similarity:  sim,
				successRate: e.successRate,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].similarity > hits[j].similarity })
	return hits
}

// RecordOutcome updates the success rate of a cached resolution via an
// exponential moving average.
func (c *solutionCache) RecordOutcome(resolutionID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	for _, e := range c.entries {
		if e.candidate.ResolutionID == resolutionID {
			e.successRate = successRateAlpha*outcome + (1-successRateAlpha)*e.successRate
			e.candidate.SuccessRate = e.successRate
			e.uses++
			return
		}
	}
}

// Len returns the current entry count.
func (c *solutionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
