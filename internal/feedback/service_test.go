package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

func feedbackConfig() config.FeedbackConfig {
	return config.Default().Feedback
}

func feedbackEvent(id string) *incident.Event {
	return &incident.Event{
		ID:          id,
		Source:      incident.SourceKubernetes,
		FailureType: "CrashLoopBackOff",
		ErrorText:   "error: container crashed with exit code 137 repeatedly",
		Context:     map[string]string{"environment": "staging", "service": "api"},
	}
}

func feedbackAnalysis() *incident.Analysis {
	return &incident.Analysis{
		Category:    incident.CategoryResource,
		Subcategory: "memory_limit",
		RootCause:   "memory limit too low",
		Fixability:  incident.FixabilityAuto,
		Confidence:  0.85,
	}
}

func feedbackCandidate(confidence float64) *incident.Candidate {
	return &incident.Candidate{
		ResolutionID: "res-1",
		Source:       incident.SourceModelGenerated,
		Description:  "raise the limit",
		Steps:        []string{"edit", "apply"},
		Confidence:   confidence,
	}
}

func successResult(duration time.Duration) *incident.Result {
	return &incident.Result{
		IncidentID:   "inc-1",
		ResolutionID: "res-1",
		Outcome:      incident.OutcomeSuccess,
		Duration:     duration,
	}
}

func failureResult() *incident.Result {
	return &incident.Result{
		IncidentID:        "inc-1",
		ResolutionID:      "res-1",
		Outcome:           incident.OutcomeFailure,
		Duration:          2 * time.Minute,
		HumanIntervention: true,
		RollbackPerformed: true,
	}
}

func TestEffectiveness_OutcomeOrdering(t *testing.T) {
	success := Effectiveness(successResult(time.Minute), nil)
	partial := Effectiveness(&incident.Result{Outcome: incident.OutcomePartial, Duration: time.Minute}, nil)
	failure := Effectiveness(&incident.Result{Outcome: incident.OutcomeFailure, Duration: time.Minute, HumanIntervention: true}, nil)

	assert.Greater(t, success, partial)
	assert.Greater(t, partial, failure)
}

func TestEffectiveness_SpeedBonus(t *testing.T) {
	fast := Effectiveness(successResult(time.Minute), nil)
	slow := Effectiveness(successResult(20*time.Minute), nil)
	assert.Greater(t, fast, slow)

	// One minute of ten: 0.7 + 0.9*0.2 + 0.1 no-intervention bonus.
	assert.InDelta(t, 0.98, fast, 1e-9)
	// Past the window the speed bonus is zero.
	assert.InDelta(t, 0.8, slow, 1e-9)
}

func TestEffectiveness_HumanRating(t *testing.T) {
	base := Effectiveness(failureResult(), nil)
	praised := Effectiveness(failureResult(), &incident.HumanFeedback{Rating: 1.0})
	panned := Effectiveness(failureResult(), &incident.HumanFeedback{Rating: 0.0})

	assert.InDelta(t, base+0.1, praised, 1e-9)
	assert.InDelta(t, base-0.1, panned, 1e-9)
}

func TestEffectiveness_Clamped(t *testing.T) {
	perfect := Effectiveness(&incident.Result{Outcome: incident.OutcomeSuccess, Duration: time.Second},
		&incident.HumanFeedback{Rating: 1.0})
	assert.LessOrEqual(t, perfect, 1.0)

	worst := Effectiveness(&incident.Result{Outcome: incident.OutcomeFailure, Duration: time.Hour, HumanIntervention: true},
		&incident.HumanFeedback{Rating: 0.0})
	assert.GreaterOrEqual(t, worst, 0.0)
}

func TestCalibrationAdjustment(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)

	// Ten predictions at 0.85 with six successes: mean actual 0.6.
	for i := 0; i < 10; i++ {
		event := feedbackEvent("inc-" + string(rune('a'+i)))
		result := successResult(time.Minute)
		if i >= 6 {
			result = failureResult()
		}
		svc.Record(context.Background(), event, feedbackAnalysis(), feedbackCandidate(0.85), result, nil)
	}

	adj := svc.Adjustment(incident.CategoryResource, "memory_limit", incident.SourceModelGenerated)
	// (0.6 - 0.85) * 0.1
	assert.InDelta(t, -0.025, adj, 1e-9)
}

func TestCalibrationAdjustment_BelowMinSamples(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	for i := 0; i < 5; i++ {
		svc.Record(context.Background(), feedbackEvent("inc-"+string(rune('a'+i))),
			feedbackAnalysis(), feedbackCandidate(0.9), failureResult(), nil)
	}
	assert.Zero(t, svc.Adjustment(incident.CategoryResource, "memory_limit", incident.SourceModelGenerated))
}

func TestDeprecation_FlagsConsistentlyFailingSolution(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	candidate := feedbackCandidate(0.85)

	for i := 0; i < 12; i++ {
		svc.Record(context.Background(), feedbackEvent("inc-"+string(rune('a'+i))),
			feedbackAnalysis(), candidate, failureResult(), nil)
	}
	assert.True(t, svc.IsDeprecated(incident.SourceModelGenerated, "res-1"))
}

func TestDeprecation_HealthySolutionNotFlagged(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	candidate := feedbackCandidate(0.85)

	for i := 0; i < 12; i++ {
		svc.Record(context.Background(), feedbackEvent("inc-"+string(rune('a'+i))),
			feedbackAnalysis(), candidate, successResult(time.Minute), nil)
	}
	assert.False(t, svc.IsDeprecated(incident.SourceModelGenerated, "res-1"))
}

func TestDeprecation_UnknownSolution(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	assert.False(t, svc.IsDeprecated(incident.SourceCachedSolution, "never-seen"))
}

func TestPatternLearning_NewSignatureOnlyOnSuccess(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	event := feedbackEvent("inc-1")

	svc.Record(context.Background(), event, feedbackAnalysis(), feedbackCandidate(0.85), failureResult(), nil)
	assert.Zero(t, svc.PatternAdjustment(incident.CategoryResource, event.ErrorText))

	svc.Record(context.Background(), event, feedbackAnalysis(), feedbackCandidate(0.85), successResult(time.Minute), nil)
	assert.InDelta(t, patternNudge, svc.PatternAdjustment(incident.CategoryResource, event.ErrorText), 1e-9)
}

func TestPatternLearning_AdjustmentClamped(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	event := feedbackEvent("inc-1")

	for i := 0; i < 20; i++ {
		svc.Record(context.Background(), event, feedbackAnalysis(), feedbackCandidate(0.85), successResult(time.Minute), nil)
	}
	assert.InDelta(t, patternAdjustmentBound, svc.PatternAdjustment(incident.CategoryResource, event.ErrorText), 1e-9)
}

func TestErrorSignature(t *testing.T) {
	sig := ErrorSignature("error: container crashed with exit code 137 repeatedly")
	assert.Len(t, sig, 16)
	assert.Equal(t, sig, ErrorSignature("error: container crashed with exit code 137 repeatedly"))
	assert.Empty(t, ErrorSignature("all fine here"))
}

func TestRecord_RejectedOutcomeSkipsLearning(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	event := feedbackEvent("inc-1")
	rejected := &incident.Result{
		IncidentID:        "inc-1",
		ResolutionID:      "res-1",
		Outcome:           incident.OutcomeRejected,
		HumanIntervention: true,
	}

	svc.Record(context.Background(), event, feedbackAnalysis(), feedbackCandidate(0.85), rejected, nil)

	assert.Zero(t, svc.Adjustment(incident.CategoryResource, "memory_limit", incident.SourceModelGenerated))
	assert.False(t, svc.IsDeprecated(incident.SourceModelGenerated, "res-1"))
	// The outcome record itself is still kept.
	_, ok := svc.store.Get(outcomeStoreKey("inc-1"))
	assert.True(t, ok)
}

func TestSnapshot_Metrics(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		svc.Record(context.Background(), feedbackEvent("ok-"+string(rune('a'+i))),
			feedbackAnalysis(), feedbackCandidate(0.85), successResult(2*time.Minute), nil)
	}
	svc.Record(context.Background(), feedbackEvent("bad-a"),
		feedbackAnalysis(), feedbackCandidate(0.85), failureResult(), nil)
	// A rejected incident counts toward escalation, not automation.
	svc.Record(context.Background(), feedbackEvent("rej-a"), feedbackAnalysis(), nil,
		&incident.Result{IncidentID: "rej-a", Outcome: incident.OutcomeRejected, HumanIntervention: true}, nil)

	m := svc.Snapshot()
	assert.Equal(t, 5, m.TotalIncidents)
	assert.InDelta(t, 0.75, m.SuccessRate, 1e-9)
	assert.Equal(t, 2*time.Minute, m.MeanTimeToRepair)
	assert.InDelta(t, 0.2, m.EscalationRate, 1e-9)
	assert.InDelta(t, 0.25, m.FalsePositives, 1e-9)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := NewService(feedbackConfig(), nil, nil)
	for i := 0; i < 12; i++ {
		src.Record(context.Background(), feedbackEvent("inc-"+string(rune('a'+i))),
			feedbackAnalysis(), feedbackCandidate(0.85), failureResult(), nil)
	}
	require.True(t, src.IsDeprecated(incident.SourceModelGenerated, "res-1"))

	data, err := src.Export()
	require.NoError(t, err)

	dst := NewService(feedbackConfig(), nil, nil)
	require.NoError(t, dst.Import(data))

	assert.True(t, dst.IsDeprecated(incident.SourceModelGenerated, "res-1"))
	assert.Equal(t, src.Adjustment(incident.CategoryResource, "memory_limit", incident.SourceModelGenerated),
		dst.Adjustment(incident.CategoryResource, "memory_limit", incident.SourceModelGenerated))
	assert.Equal(t, src.Snapshot().TotalIncidents, dst.Snapshot().TotalIncidents)
}

func TestImport_RejectsUnknownVersion(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	err := svc.Import([]byte(`{"version": 99}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestImport_RejectsMalformedJSON(t *testing.T) {
	svc := NewService(feedbackConfig(), nil, nil)
	require.Error(t, svc.Import([]byte("not json")))
}
