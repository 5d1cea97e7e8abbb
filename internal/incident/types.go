// Package incident defines the shared data model for the remediation
// pipeline: normalized failure events, root-cause analyses, resolution
// candidates, execution plans, and outcomes.
//
// Every cross-stage payload is an explicit record with required fields.
// Payloads missing required fields are rejected at the parsing boundary
// (see Validate methods) rather than probed downstream.
package incident

import (
	"fmt"
	"time"
)

// SourcePlatform identifies where a failure event originated.
type SourcePlatform string

const (
	SourceGitHubActions SourcePlatform = "github_actions"
	SourceArgoCD        SourcePlatform = "argocd"
	SourceKubernetes    SourcePlatform = "kubernetes"
	SourceUnknown       SourcePlatform = "unknown"
)

// Severity is the reported severity of an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category is the primary root-cause classification.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryAuth       Category = "auth"
	CategoryResource   Category = "resource"
	CategoryDependency Category = "dependency"
	CategoryDrift      Category = "drift"
	CategoryUnknown    Category = "unknown"
)

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	switch Category(s) {
	case CategoryConfig, CategoryAuth, CategoryResource, CategoryDependency, CategoryDrift, CategoryUnknown:
		return true
	}
	return false
}

// Fixability classifies whether an incident can be fixed automatically,
// should be retried, or needs human investigation.
type Fixability string

const (
	FixabilityAuto        Fixability = "auto"
	FixabilityRetry       Fixability = "retry"
	FixabilityInvestigate Fixability = "investigate"
)

// ValidFixability reports whether s names a known fixability class.
func ValidFixability(s string) bool {
	switch Fixability(s) {
	case FixabilityAuto, FixabilityRetry, FixabilityInvestigate:
		return true
	}
	return false
}

// CandidateSource identifies which knowledge source produced a candidate.
type CandidateSource string

const (
	SourceChatHistory    CandidateSource = "chat_history"
	SourceVectorSimilar  CandidateSource = "vector_similarity"
	SourceModelGenerated CandidateSource = "model_generated"
	SourceCachedSolution CandidateSource = "cached_solution"
)

// RiskLevel is a coarse assessment of a plan's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalStatus tracks the approval gate for a remediation plan.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// Outcome is the terminal result of a remediation attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomePartial  Outcome = "partial"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// ActionType enumerates the typed remediation actions a plan may contain.
type ActionType string

const (
	ActionRerunPipeline   ActionType = "rerun_pipeline"
	ActionUpdateConfig    ActionType = "update_config"
	ActionUpdateSecret    ActionType = "update_secret"
	ActionTriggerSync     ActionType = "trigger_sync"
	ActionUpdateManifest  ActionType = "update_manifest"
	ActionScaleWorkload   ActionType = "scale_workload"
	ActionRestartWorkload ActionType = "restart_workload"
	ActionWaitRetry       ActionType = "wait_retry"
	ActionEscalate        ActionType = "escalate"
)

// Event is one normalized deployment/runtime failure occurrence. It is
// created once by the inbound normalizer and immutable thereafter.
type Event struct {
	// ID uniquely identifies the incident.
	ID string `json:"id"`

	// Timestamp is when the failure occurred.
	Timestamp time.Time `json:"timestamp"`

	// Source tags the originating platform.
	Source SourcePlatform `json:"source"`

	// Severity is the reported severity.
	Severity Severity `json:"severity"`

	// FailureType is the platform-reported failure kind (e.g.
	// "workflow_failure", "sync_failed", "CrashLoopBackOff").
	FailureType string `json:"failure_type"`

	// Context carries environment/service/component/namespace tags.
	Context map[string]string `json:"context,omitempty"`

	// ErrorText is the raw error/log excerpt for analysis.
	ErrorText string `json:"error_text"`

	// SystemState is an optional snapshot of relevant system state.
	SystemState map[string]any `json:"system_state,omitempty"`

	// RawPayload preserves the original platform payload.
	RawPayload map[string]any `json:"raw_payload,omitempty"`
}

// Environment returns the environment tag from the incident context,
// or "default" when untagged.
func (e *Event) Environment() string {
	if env, ok := e.Context["environment"]; ok && env != "" {
		return env
	}
	return "default"
}

// Validate checks required fields on a normalized event.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("incident id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("incident source is required")
	}
	if e.ErrorText == "" && e.FailureType == "" {
		return fmt.Errorf("incident must carry error text or a failure type")
	}
	return nil
}

// Analysis is the root-cause classification of an incident, produced
// exactly once by the analyzer and read-only afterward.
type Analysis struct {
	Category    Category   `json:"category"`
	Subcategory string     `json:"subcategory"`
	RootCause   string     `json:"root_cause"`
	Fixability  Fixability `json:"fixability"`

	// Confidence is clamped to [0,1].
	Confidence float64 `json:"confidence"`

	Reasoning          string   `json:"reasoning,omitempty"`
	AffectedComponents []string `json:"affected_components,omitempty"`
	RecentChanges      []string `json:"recent_changes,omitempty"`
	FixActions         []string `json:"fix_actions,omitempty"`
	AffectedFiles      []string `json:"affected_files,omitempty"`

	// EstimatedFixTime is the model's estimate, in minutes.
	EstimatedFixTime int `json:"estimated_fix_time,omitempty"`

	RequiresApproval bool `json:"requires_approval"`
}

// Candidate is one proposed fix from a knowledge source.
type Candidate struct {
	ResolutionID string          `json:"resolution_id"`
	Source       CandidateSource `json:"source"`
	Description  string          `json:"description"`

	// Steps is the ordered list of human-readable remediation steps.
	Steps []string `json:"steps"`

	// Confidence is clamped to [0,1].
	Confidence float64 `json:"confidence"`

	// SuccessRate is the historical success rate of this resolution.
	SuccessRate float64 `json:"success_rate"`

	LastUsed         time.Time      `json:"last_used,omitempty"`
	EnvironmentMatch bool           `json:"environment_match"`
	EstimatedMinutes int            `json:"estimated_minutes,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Action is one typed step of a remediation plan.
type Action struct {
	Type        ActionType        `json:"type"`
	Description string            `json:"description"`
	Target      map[string]string `json:"target,omitempty"`

	// Timeout bounds the action's execution.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Plan is the executable plan built from one selected candidate. It is
// consumed during execution and summarized into the result.
type Plan struct {
	IncidentID       string         `json:"incident_id"`
	ResolutionID     string         `json:"resolution_id"`
	Actions          []Action       `json:"actions"`
	RollbackSteps    []Action       `json:"rollback_steps,omitempty"`
	Risk             RiskLevel      `json:"risk"`
	RiskScore        float64        `json:"risk_score"`
	ApprovalRequired bool           `json:"approval_required"`
	Approval         ApprovalStatus `json:"approval"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	Prerequisites    []string       `json:"prerequisites,omitempty"`
}

// Result is the outcome of attempting a plan, or of deciding not to.
type Result struct {
	IncidentID   string  `json:"incident_id"`
	ResolutionID string  `json:"resolution_id,omitempty"`
	Action       string  `json:"action"`
	Outcome      Outcome `json:"outcome"`

	// Confidence is the candidate confidence at execution time.
	Confidence float64 `json:"confidence"`

	Duration          time.Duration `json:"duration"`
	HumanIntervention bool          `json:"human_intervention"`
	RollbackPerformed bool          `json:"rollback_performed"`
	ExecutedActions   []string      `json:"executed_actions,omitempty"`
	Details           string        `json:"details,omitempty"`
}

// HumanFeedback carries an optional explicit rating from an operator.
type HumanFeedback struct {
	// Rating is in [0,1]; 0.5 is neutral.
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment,omitempty"`
	Author  string  `json:"author,omitempty"`
}

// Clamp bounds a confidence-like value to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
