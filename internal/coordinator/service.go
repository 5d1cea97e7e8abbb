// Package coordinator selects a resolution for an analyzed incident,
// builds an execution plan, applies risk/approval/cost policy, and
// executes the plan with rollback protection.
//
// Policy rejections are deliberate decisions, reported as a rejected
// outcome; they are distinct from execution failures.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/coordinator"

// incidentState labels the per-incident state machine.
type incidentState string

const (
	stateSelected        incidentState = "SELECTED"
	statePlanned         incidentState = "PLANNED"
	stateApprovalPending incidentState = "APPROVAL_PENDING"
	stateApproved        incidentState = "APPROVED"
	stateRejected        incidentState = "REJECTED"
	stateExecuting       incidentState = "EXECUTING"
	stateVerified        incidentState = "VERIFIED"
	stateRolledBack      incidentState = "ROLLED_BACK"
)

// sourceWeights feed the selection score.
var sourceWeights = map[incident.CandidateSource]float64{
	incident.SourceChatHistory:    1.0,
	incident.SourceVectorSimilar:  0.9,
	incident.SourceModelGenerated: 0.7,
	incident.SourceCachedSolution: 0.7,
}

const recencyHorizon = 90 * 24 * time.Hour

// DeprecationChecker reports whether a resolution has been flagged as
// no longer reliable.
type DeprecationChecker interface {
	IsDeprecated(source incident.CandidateSource, resolutionID string) bool
}

// Service coordinates remediation for analyzed incidents.
type Service struct {
	cfg         config.CoordinatorConfig
	repo        RepoPlatform
	cluster     ClusterPlatform
	deploy      DeployPlatform
	deprecation DeprecationChecker
	logger      *logging.Logger
	now         func() time.Time

	tracer         trace.Tracer
	outcomesTotal  metric.Int64Counter
	rollbacksTotal metric.Int64Counter
}

// Option configures optional collaborators.
type Option func(*Service)

// WithRepoPlatform wires the source-control platform.
func WithRepoPlatform(p RepoPlatform) Option {
	return func(s *Service) { s.repo = p }
}

// WithClusterPlatform wires the container orchestrator.
func WithClusterPlatform(p ClusterPlatform) Option {
	return func(s *Service) { s.cluster = p }
}

// WithDeployPlatform wires the continuous-delivery platform.
func WithDeployPlatform(p DeployPlatform) Option {
	return func(s *Service) { s.deploy = p }
}

// WithDeprecationChecker wires the deprecation filter.
func WithDeprecationChecker(d DeprecationChecker) Option {
	return func(s *Service) { s.deprecation = d }
}

// NewService creates a remediation coordinator.
func NewService(cfg config.CoordinatorConfig, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.outcomesTotal, err = meter.Int64Counter(
		"remedyd.coordinator.outcomes_total",
		metric.WithDescription("Remediation outcomes, labeled by outcome (success, failure, rejected, error)."),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create outcomes counter", zap.Error(err))
	}

	s.rollbacksTotal, err = meter.Int64Counter(
		"remedyd.coordinator.rollbacks_total",
		metric.WithDescription("Rollbacks triggered by action or verification failures."),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create rollbacks counter", zap.Error(err))
	}
}

// Coordinate selects, plans, gates, and executes a remediation for the
// incident. Returns nil when there were no candidates to consider;
// otherwise always returns a result, with policy rejections reported as
// a rejected outcome rather than an error.
func (s *Service) Coordinate(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidates []incident.Candidate) (result *incident.Result) {
	ctx, span := s.tracer.Start(ctx, "coordinator.Coordinate",
		trace.WithAttributes(attribute.String("incident.id", event.ID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "coordination panicked",
				zap.String("incident_id", event.ID),
				zap.Any("panic", r),
			)
			result = &incident.Result{
				IncidentID:        event.ID,
				Action:            "coordination aborted by internal error",
				Outcome:           incident.OutcomeError,
				HumanIntervention: true,
				Details:           fmt.Sprintf("internal error: %v", r),
			}
		}
		if result != nil {
			span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
			if s.outcomesTotal != nil {
				s.outcomesTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("outcome", string(result.Outcome))))
			}
		}
	}()

	if len(candidates) == 0 {
		return nil
	}

	states := []incidentState{}
	environment := event.Environment()
	threshold := s.cfg.Threshold(environment)

	candidate := s.selectCandidate(analysis, candidates, threshold)
	if candidate == nil {
		best := candidates[0]
		reason := fmt.Sprintf("no candidate met policy: best confidence %.2f below %s threshold %.2f, fixability %s",
			best.Confidence, environment, threshold, analysis.Fixability)
		return s.reject(ctx, event, &best, reason, states)
	}
	states = append(states, stateSelected)

	plan := buildPlan(event, analysis, candidate, s.cfg.ActionTimeout)
	states = append(states, statePlanned)

	if len(plan.Actions) == 1 && plan.Actions[0].Type == incident.ActionEscalate {
		return s.reject(ctx, event, candidate,
			"no executable automated action for this incident, escalating to a human", states)
	}

	// Approval gate.
	plan.ApprovalRequired = environment == "production" ||
		plan.Risk == incident.RiskHigh ||
		candidate.Confidence < s.cfg.LowConfidence
	if plan.ApprovalRequired {
		if environment != "production" && candidate.Confidence > s.cfg.LowConfidence {
			plan.Approval = incident.ApprovalApproved
			states = append(states, stateApproved)
		} else {
			plan.Approval = incident.ApprovalPending
			states = append(states, stateApprovalPending)
			return s.reject(ctx, event, candidate,
				fmt.Sprintf("approval pending: environment=%s risk=%s confidence=%.2f",
					environment, plan.Risk, candidate.Confidence), states)
		}
	} else {
		plan.Approval = incident.ApprovalNotRequired
		states = append(states, stateApproved)
	}

	// Cost-benefit gate, applied even after approval.
	if reason := s.costBenefitReason(environment, threshold, plan, candidate); reason != "" {
		return s.reject(ctx, event, candidate, reason, states)
	}

	return s.execute(ctx, event, plan, candidate, states)
}

// selectCandidate filters by environment threshold, auto fixability,
// and deprecation, then scores the survivors.
func (s *Service) selectCandidate(analysis *incident.Analysis, candidates []incident.Candidate, threshold float64) *incident.Candidate {
	if analysis.Fixability != incident.FixabilityAuto {
		return nil
	}

	var best *incident.Candidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.Confidence < threshold {
			continue
		}
		if s.deprecation != nil && s.deprecation.IsDeprecated(c.Source, c.ResolutionID) {
			continue
		}
		score := s.score(c)
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

func (s *Service) score(c *incident.Candidate) float64 {
	weight, ok := sourceWeights[c.Source]
	if !ok {
		weight = 0.5
	}
	score := 0.6*c.Confidence + 0.2*weight + 0.1*c.SuccessRate
	if c.EnvironmentMatch {
		score += 0.05
	}
	score += 0.05 * s.recency(c.LastUsed)
	return score
}

// recency decays linearly from 1 to 0 over the 90-day horizon.
func (s *Service) recency(lastUsed time.Time) float64 {
	if lastUsed.IsZero() {
		return 0
	}
	age := s.now().Sub(lastUsed)
	if age < 0 {
		age = 0
	}
	if age >= recencyHorizon {
		return 0
	}
	return 1 - float64(age)/float64(recencyHorizon)
}

// costBenefitReason returns a rejection reason, or "" to proceed.
func (s *Service) costBenefitReason(environment string, threshold float64, plan *incident.Plan, candidate *incident.Candidate) string {
	expected := candidate.Confidence*s.cfg.CostSuccess + (1-candidate.Confidence)*s.cfg.CostFailure
	if expected >= s.cfg.CostManual {
		return fmt.Sprintf("expected cost %.1f not below manual cost %.1f", expected, s.cfg.CostManual)
	}
	if plan.Risk == incident.RiskHigh && candidate.Confidence < s.cfg.HighRiskConfidence {
		return fmt.Sprintf("high-risk plan requires confidence >= %.2f, have %.2f",
			s.cfg.HighRiskConfidence, candidate.Confidence)
	}
	if environment == "production" && candidate.Confidence < threshold {
		return fmt.Sprintf("production plan requires confidence >= %.2f, have %.2f",
			threshold, candidate.Confidence)
	}
	return ""
}

func (s *Service) reject(ctx context.Context, event *incident.Event, candidate *incident.Candidate, reason string, states []incidentState) *incident.Result {
	states = append(states, stateRejected)
	s.logger.Info(ctx, "remediation rejected",
		zap.String("incident_id", event.ID),
		zap.String("reason", reason),
	)
	return &incident.Result{
		IncidentID:        event.ID,
		ResolutionID:      candidate.ResolutionID,
		Action:            "remediation not executed",
		Outcome:           incident.OutcomeRejected,
		Confidence:        candidate.Confidence,
		HumanIntervention: true,
		Details:           reason + "; " + stateTrail(states),
	}
}

// execute runs the plan sequentially. Any action failure or a failed
// verification triggers rollback and a failure outcome; rollback is
// never invoked on the clean success path.
func (s *Service) execute(ctx context.Context, event *incident.Event, plan *incident.Plan, candidate *incident.Candidate, states []incidentState) *incident.Result {
	states = append(states, stateExecuting)
	start := s.now()

	exec := &executor{
		repo:    s.repo,
		cluster: s.cluster,
		deploy:  s.deploy,
		logger:  s.logger,
	}

	fail := func(cause error) *incident.Result {
		if s.rollbacksTotal != nil {
			s.rollbacksTotal.Add(ctx, 1)
		}
		exec.rollback(ctx)
		states := append(states, stateRolledBack)
		s.logger.Warn(ctx, "remediation failed, rolled back",
			zap.String("incident_id", event.ID),
			zap.Error(cause),
		)
		return &incident.Result{
			IncidentID:        event.ID,
			ResolutionID:      plan.ResolutionID,
			Action:            planSummary(plan),
			Outcome:           incident.OutcomeFailure,
			Confidence:        candidate.Confidence,
			Duration:          s.now().Sub(start),
			HumanIntervention: true,
			RollbackPerformed: true,
			ExecutedActions:   exec.executed,
			Details:           cause.Error() + "; " + stateTrail(states),
		}
	}

	if err := exec.run(ctx, plan); err != nil {
		return fail(err)
	}
	if err := exec.verify(ctx, plan); err != nil {
		return fail(err)
	}

	states = append(states, stateVerified)
	s.logger.Info(ctx, "remediation succeeded",
		zap.String("incident_id", event.ID),
		zap.String("resolution_id", plan.ResolutionID),
		zap.Duration("duration", s.now().Sub(start)),
	)
	return &incident.Result{
		IncidentID:      event.ID,
		ResolutionID:    plan.ResolutionID,
		Action:          planSummary(plan),
		Outcome:         incident.OutcomeSuccess,
		Confidence:      candidate.Confidence,
		Duration:        s.now().Sub(start),
		ExecutedActions: exec.executed,
		Details:         stateTrail(states),
	}
}

func planSummary(plan *incident.Plan) string {
	parts := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		parts = append(parts, string(a.Type))
	}
	return strings.Join(parts, ", ")
}

func stateTrail(states []incidentState) string {
	parts := make([]string, 0, len(states))
	for _, st := range states {
		parts = append(parts, string(st))
	}
	return "states: " + strings.Join(parts, " -> ")
}
