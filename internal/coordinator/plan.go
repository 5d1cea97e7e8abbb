package coordinator

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// actionMinutes are the per-action duration estimates.
var actionMinutes = map[incident.ActionType]int{
	incident.ActionRerunPipeline:   2,
	incident.ActionUpdateConfig:    8,
	incident.ActionUpdateSecret:    3,
	incident.ActionTriggerSync:     5,
	incident.ActionUpdateManifest:  10,
	incident.ActionScaleWorkload:   7,
	incident.ActionRestartWorkload: 5,
	incident.ActionWaitRetry:       3,
	incident.ActionEscalate:        1,
}

// planKey indexes the deterministic action lookup table.
type planKey struct {
	category    incident.Category
	subcategory string
	source      incident.SourcePlatform
}

// anySource matches any platform in the lookup table.
const anySource = incident.SourcePlatform("*")

var planTable = map[planKey][]incident.ActionType{
	{incident.CategoryConfig, "syntax_error", incident.SourceGitHubActions}: {incident.ActionUpdateConfig, incident.ActionRerunPipeline},
	{incident.CategoryConfig, "environment", incident.SourceGitHubActions}:  {incident.ActionUpdateConfig, incident.ActionRerunPipeline},
	{incident.CategoryConfig, "environment", incident.SourceKubernetes}:     {incident.ActionUpdateConfig, incident.ActionRestartWorkload},
	{incident.CategoryConfig, "general", anySource}:                         {incident.ActionUpdateConfig, incident.ActionWaitRetry},

	{incident.CategoryAuth, "credentials", anySource}: {incident.ActionUpdateSecret, incident.ActionRerunPipeline},

	{incident.CategoryResource, "memory_limit", anySource}: {incident.ActionUpdateManifest, incident.ActionRestartWorkload},
	{incident.CategoryResource, "crash_loop", anySource}:   {incident.ActionRestartWorkload},
	{incident.CategoryResource, "quota", anySource}:        {incident.ActionScaleWorkload},

	{incident.CategoryDependency, "image_pull", anySource}:                            {incident.ActionUpdateManifest, incident.ActionTriggerSync},
	{incident.CategoryDependency, "missing_dependency", incident.SourceGitHubActions}: {incident.ActionRerunPipeline},
	{incident.CategoryDependency, "timeout", incident.SourceGitHubActions}:            {incident.ActionWaitRetry, incident.ActionRerunPipeline},
	{incident.CategoryDependency, "timeout", incident.SourceArgoCD}:                   {incident.ActionWaitRetry, incident.ActionTriggerSync},
	{incident.CategoryDependency, "timeout", incident.SourceKubernetes}:               {incident.ActionWaitRetry, incident.ActionRestartWorkload},

	{incident.CategoryDrift, "sync_drift", anySource}: {incident.ActionTriggerSync},
}

// lookupActions resolves the typed action list for an incident. The
// sole fallback is escalation to a human.
func lookupActions(event *incident.Event, analysis *incident.Analysis) []incident.ActionType {
	if actions, ok := planTable[planKey{analysis.Category, analysis.Subcategory, event.Source}]; ok {
		return actions
	}
	if actions, ok := planTable[planKey{analysis.Category, analysis.Subcategory, anySource}]; ok {
		return actions
	}
	return []incident.ActionType{incident.ActionEscalate}
}

// applyTargetGuards downgrades a plan to escalation when an action's
// required target cannot be derived: repository config fixes need
// affected files and fix directives from the analysis, and secret
// rotation needs a named secret with a sealed replacement value.
// Escalation keeps these incidents out of the execute-fail-rollback
// path entirely.
func applyTargetGuards(types []incident.ActionType, event *incident.Event, analysis *incident.Analysis) []incident.ActionType {
	for _, t := range types {
		switch t {
		case incident.ActionUpdateConfig:
			if event.Source == incident.SourceGitHubActions &&
				(len(analysis.AffectedFiles) == 0 || len(analysis.FixActions) == 0) {
				return []incident.ActionType{incident.ActionEscalate}
			}
		case incident.ActionUpdateSecret:
			if event.Context["secret_name"] == "" || event.Context["secret_value"] == "" {
				return []incident.ActionType{incident.ActionEscalate}
			}
		}
	}
	return types
}

// risk factor weights.
const (
	riskProduction   = 0.3
	riskCrossService = 0.25
	riskConfigChange = 0.15
	riskScaling      = 0.20
	riskCredential   = 0.10
)

// scoreRisk computes the weighted risk score and level for a plan.
func scoreRisk(event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, actions []incident.Action) (float64, incident.RiskLevel) {
	var score float64
	if event.Environment() == "production" {
		score += riskProduction
	}
	if len(analysis.AffectedComponents) > 1 {
		score += riskCrossService
	}

	var configChange, scaling, credential bool
	for _, a := range actions {
		switch a.Type {
		case incident.ActionUpdateConfig, incident.ActionUpdateManifest:
			configChange = true
		case incident.ActionScaleWorkload:
			scaling = true
		case incident.ActionUpdateSecret:
			credential = true
		}
	}
	if configChange {
		score += riskConfigChange
	}
	if scaling {
		score += riskScaling
	}
	if credential {
		score += riskCredential
	}
	score += (1 - candidate.Confidence) * 0.2

	switch {
	case score >= 0.7:
		return score, incident.RiskHigh
	case score >= 0.4:
		return score, incident.RiskMedium
	default:
		return score, incident.RiskLow
	}
}

// buildPlan maps the selected candidate onto typed actions with risk,
// duration estimates, and declarative rollback steps. Deterministic
// given identical inputs.
func buildPlan(event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, actionTimeout time.Duration) *incident.Plan {
	types := applyTargetGuards(lookupActions(event, analysis), event, analysis)

	target := map[string]string{
		"namespace":   event.Context["namespace"],
		"workload":    event.Context["component"],
		"service":     event.Context["service"],
		"application": event.Context["application"],
		"run_id":      event.Context["run_id"],
	}

	actions := make([]incident.Action, 0, len(types))
	minutes := 0
	for _, t := range types {
		switch {
		case t == incident.ActionUpdateConfig && event.Source == incident.SourceGitHubActions:
			// Pipeline config lives in the repository, not the cluster:
			// one action per affected file, carrying the fix directives
			// and the branch to commit to.
			for _, path := range analysis.AffectedFiles {
				ft := maps.Clone(target)
				ft["config_path"] = path
				ft["config_branch"] = event.Context["branch"]
				ft["config_fixes"] = strings.Join(analysis.FixActions, "\n")
				actions = append(actions, incident.Action{
					Type:        t,
					Description: fmt.Sprintf("apply configuration fixes to %s", path),
					Target:      ft,
					Timeout:     actionTimeout,
				})
				minutes += actionMinutes[t]
			}

		case t == incident.ActionUpdateSecret:
			st := maps.Clone(target)
			st["secret_name"] = event.Context["secret_name"]
			st["secret_value"] = event.Context["secret_value"]
			actions = append(actions, incident.Action{
				Type:        t,
				Description: describeAction(t, st),
				Target:      st,
				Timeout:     actionTimeout,
			})
			minutes += actionMinutes[t]

		default:
			actions = append(actions, incident.Action{
				Type:        t,
				Description: describeAction(t, target),
				Target:      target,
				Timeout:     actionTimeout,
			})
			minutes += actionMinutes[t]
		}
	}

	score, level := scoreRisk(event, analysis, candidate, actions)

	return &incident.Plan{
		IncidentID:       event.ID,
		ResolutionID:     candidate.ResolutionID,
		Actions:          actions,
		RollbackSteps:    rollbackSteps(actions),
		Risk:             level,
		RiskScore:        score,
		EstimatedMinutes: minutes,
		Prerequisites:    prerequisites(candidate),
	}
}

func describeAction(t incident.ActionType, target map[string]string) string {
	switch t {
	case incident.ActionRerunPipeline:
		return fmt.Sprintf("re-run pipeline run %s", target["run_id"])
	case incident.ActionUpdateConfig:
		return fmt.Sprintf("patch configuration for %s/%s", target["namespace"], target["workload"])
	case incident.ActionUpdateSecret:
		return fmt.Sprintf("rotate credential %s", target["secret_name"])
	case incident.ActionTriggerSync:
		return fmt.Sprintf("trigger sync for application %s", target["application"])
	case incident.ActionUpdateManifest:
		return fmt.Sprintf("update deployed manifest for %s", target["application"])
	case incident.ActionScaleWorkload:
		return fmt.Sprintf("scale workload %s/%s", target["namespace"], target["workload"])
	case incident.ActionRestartWorkload:
		return fmt.Sprintf("restart workload %s/%s", target["namespace"], target["workload"])
	case incident.ActionWaitRetry:
		return "wait for transient condition to clear"
	case incident.ActionEscalate:
		return "escalate to a human operator"
	default:
		return string(t)
	}
}

// rollbackSteps derives the declarative inverse of each mutating
// action, in reverse order. The executor captures the concrete prior
// state at execution time.
func rollbackSteps(actions []incident.Action) []incident.Action {
	var steps []incident.Action
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		switch a.Type {
		case incident.ActionUpdateConfig:
			steps = append(steps, incident.Action{
				Type:        incident.ActionUpdateConfig,
				Description: "restore previous configuration",
				Target:      a.Target,
			})
		case incident.ActionUpdateManifest:
			steps = append(steps, incident.Action{
				Type:        incident.ActionUpdateManifest,
				Description: "roll back to previous revision",
				Target:      a.Target,
			})
		case incident.ActionScaleWorkload:
			steps = append(steps, incident.Action{
				Type:        incident.ActionScaleWorkload,
				Description: "restore previous replica count",
				Target:      a.Target,
			})
		case incident.ActionUpdateSecret:
			steps = append(steps, incident.Action{
				Type:        incident.ActionUpdateSecret,
				Description: "restore previous credential",
				Target:      a.Target,
			})
		}
	}
	return steps
}

func prerequisites(candidate *incident.Candidate) []string {
	raw, ok := candidate.Metadata["prerequisites"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
