package knowledge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

func signatureFor(category incident.Category, subcategory string, indicators ...string) Signature {
	return NewSignature(&incident.Analysis{
		Category:    category,
		Subcategory: subcategory,
		FixActions:  indicators,
		Confidence:  0.8,
	})
}

func TestSignatureSimilarity_Identical(t *testing.T) {
	a := signatureFor(incident.CategoryResource, "memory_limit", "raise limit")
	assert.InDelta(t, 1.0, a.similarity(a), 1e-9)
}

func TestSignatureSimilarity_CategoryOnly(t *testing.T) {
	a := signatureFor(incident.CategoryResource, "memory_limit", "raise limit")
	b := signatureFor(incident.CategoryResource, "crash_loop", "restart pod")

	// 0.4 category + 0.1 confidence proximity; no subcategory or
	// indicator overlap.
	assert.InDelta(t, 0.5, a.similarity(b), 1e-9)
}

func TestSignatureHash_Stable(t *testing.T) {
	a := signatureFor(incident.CategoryConfig, "syntax_error", "fix yaml", "rerun")
	b := signatureFor(incident.CategoryConfig, "syntax_error", "rerun", "fix yaml")
	// Indicators are sorted before hashing.
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)
}

func TestCacheLookup_ThresholdGate(t *testing.T) {
	cache := newSolutionCache(10)
	stored := signatureFor(incident.CategoryResource, "memory_limit", "raise limit")
	cache.Put(stored, incident.Candidate{ResolutionID: "r1", SuccessRate: 0.5})

	// Same category and subcategory clears 0.7; category alone does not.
	near := signatureFor(incident.CategoryResource, "memory_limit", "other action")
	far := signatureFor(incident.CategoryResource, "crash_loop", "other action")

	assert.NotEmpty(t, cache.Lookup(near))
	assert.Empty(t, cache.Lookup(far))
}

func TestCacheLookup_BestMatchFirst(t *testing.T) {
	cache := newSolutionCache(10)
	cache.Put(signatureFor(incident.CategoryResource, "memory_limit", "raise limit"),
		incident.Candidate{ResolutionID: "exact"})
	cache.Put(signatureFor(incident.CategoryResource, "memory_limit", "different"),
		incident.Candidate{ResolutionID: "partial"})

	hits := cache.Lookup(signatureFor(incident.CategoryResource, "memory_limit", "raise limit"))
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].candidate.ResolutionID)
	assert.GreaterOrEqual(t, hits[0].similarity, hits[1].similarity)
}

func TestCachePut_EvictsOldestWhenFull(t *testing.T) {
	cache := newSolutionCache(3)
	base := time.Now()
	tick := 0
	cache.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 3; i++ {
		sig := signatureFor(incident.CategoryConfig, fmt.Sprintf("sub-%d", i))
		cache.Put(sig, incident.Candidate{ResolutionID: fmt.Sprintf("r%d", i)})
	}
	require.Equal(t, 3, cache.Len())

	cache.Put(signatureFor(incident.CategoryConfig, "sub-3"), incident.Candidate{ResolutionID: "r3"})
	assert.Equal(t, 3, cache.Len())

	// The first entry is gone, the newest is present.
	assert.Empty(t, cache.Lookup(signatureFor(incident.CategoryConfig, "sub-0")))
	assert.NotEmpty(t, cache.Lookup(signatureFor(incident.CategoryConfig, "sub-3")))
}

func TestCacheRecordOutcome_EMA(t *testing.T) {
	cache := newSolutionCache(10)
	sig := signatureFor(incident.CategoryResource, "memory_limit")
	cache.Put(sig, incident.Candidate{ResolutionID: "r1", SuccessRate: 0.5})

	cache.RecordOutcome("r1", true)
	hits := cache.Lookup(sig)
	require.Len(t, hits, 1)
	// 0.3*1 + 0.7*0.5
	assert.InDelta(t, 0.65, hits[0].successRate, 1e-9)

	cache.RecordOutcome("r1", false)
	hits = cache.Lookup(sig)
	require.Len(t, hits, 1)
	// 0.3*0 + 0.7*0.65
	assert.InDelta(t, 0.455, hits[0].successRate, 1e-9)
}

func TestCacheRecordOutcome_UnknownResolutionIgnored(t *testing.T) {
	cache := newSolutionCache(10)
	cache.RecordOutcome("missing", true)
	assert.Equal(t, 0, cache.Len())
}
