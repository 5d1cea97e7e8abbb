package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// RepoPlatform is the contract against the source-control platform.
type RepoPlatform interface {
	// RerunPipeline re-runs a failed pipeline run.
	RerunPipeline(ctx context.Context, runID int64) error

	// FetchFile returns file content and its content hash at a ref.
	FetchFile(ctx context.Context, path, ref string) (content, sha string, err error)

	// UpdateFile replaces file content given the prior hash, for
	// optimistic concurrency.
	UpdateFile(ctx context.Context, path, branch, message, content, priorSHA string) error

	// UpdateSecret replaces a pipeline secret value.
	UpdateSecret(ctx context.Context, name, encryptedValue string) error
}

// ClusterPlatform is the contract against the container orchestrator.
type ClusterPlatform interface {
	// ScaleWorkload sets the replica count and returns the previous one.
	ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) (previous int32, err error)

	// RestartWorkload triggers a rolling restart.
	RestartWorkload(ctx context.Context, namespace, name string) error

	// UpdateConfig replaces config object data and returns the prior data.
	UpdateConfig(ctx context.Context, namespace, name string, data map[string]string) (previous map[string]string, err error)

	// WorkloadHealthy verifies the workload's replicas are available.
	WorkloadHealthy(ctx context.Context, namespace, name string) error
}

// DeployPlatform is the contract against the continuous-delivery platform.
type DeployPlatform interface {
	// TriggerSync requests a sync of the application.
	TriggerSync(ctx context.Context, app string) error

	// UpdateManifest patches the deployed manifest parameters.
	UpdateManifest(ctx context.Context, app string, params map[string]string) error

	// RollbackRevision rolls the application back to a prior revision.
	RollbackRevision(ctx context.Context, app string) error

	// AppHealthy verifies the application reports a healthy sync state.
	AppHealthy(ctx context.Context, app string) error
}

// executor runs a plan's actions sequentially, capturing prior state so
// a failure can be rolled back. One executor serves one plan.
type executor struct {
	repo    RepoPlatform
	cluster ClusterPlatform
	deploy  DeployPlatform
	logger  *logging.Logger

	// undo holds best-effort inverse operations for executed actions,
	// pushed in execution order and run in reverse.
	undo []func(ctx context.Context) error

	executed []string
}

func (e *executor) run(ctx context.Context, plan *incident.Plan) error {
	for _, action := range plan.Actions {
		actCtx := ctx
		if action.Timeout > 0 {
			var cancel context.CancelFunc
			actCtx, cancel = context.WithTimeout(ctx, action.Timeout)
			defer cancel()
		}
		if err := e.execute(actCtx, action); err != nil {
			return fmt.Errorf("action %s: %w", action.Type, err)
		}
		e.executed = append(e.executed, action.Description)
	}
	return nil
}

func (e *executor) execute(ctx context.Context, action incident.Action) error {
	switch action.Type {
	case incident.ActionRerunPipeline:
		if e.repo == nil {
			return fmt.Errorf("repository platform not configured")
		}
		runID, err := strconv.ParseInt(action.Target["run_id"], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", action.Target["run_id"])
		}
		return e.repo.RerunPipeline(ctx, runID)

	case incident.ActionUpdateConfig:
		if path := action.Target["config_path"]; path != "" {
			return e.updateRepoConfig(ctx, action, path)
		}
		if e.cluster == nil {
			return fmt.Errorf("cluster platform not configured")
		}
		namespace, workload := action.Target["namespace"], action.Target["workload"]
		data := configPatch(action)
		previous, err := e.cluster.UpdateConfig(ctx, namespace, workload, data)
		if err != nil {
			return err
		}
		e.undo = append(e.undo, func(ctx context.Context) error {
			_, err := e.cluster.UpdateConfig(ctx, namespace, workload, previous)
			return err
		})
		return nil

	case incident.ActionUpdateSecret:
		if e.repo == nil {
			return fmt.Errorf("repository platform not configured")
		}
		name := action.Target["secret_name"]
		value := action.Target["secret_value"]
		if name == "" || value == "" {
			return fmt.Errorf("secret name and value are required")
		}
		return e.repo.UpdateSecret(ctx, name, value)

	case incident.ActionTriggerSync:
		if e.deploy == nil {
			return fmt.Errorf("deploy platform not configured")
		}
		return e.deploy.TriggerSync(ctx, action.Target["application"])

	case incident.ActionUpdateManifest:
		if e.deploy == nil {
			return fmt.Errorf("deploy platform not configured")
		}
		app := action.Target["application"]
		if err := e.deploy.UpdateManifest(ctx, app, manifestPatch(action)); err != nil {
			return err
		}
		e.undo = append(e.undo, func(ctx context.Context) error {
			return e.deploy.RollbackRevision(ctx, app)
		})
		return nil

	case incident.ActionScaleWorkload:
		if e.cluster == nil {
			return fmt.Errorf("cluster platform not configured")
		}
		namespace, workload := action.Target["namespace"], action.Target["workload"]
		replicas := int32(parseInt(action.Target["replicas"], 2))
		previous, err := e.cluster.ScaleWorkload(ctx, namespace, workload, replicas)
		if err != nil {
			return err
		}
		e.undo = append(e.undo, func(ctx context.Context) error {
			_, err := e.cluster.ScaleWorkload(ctx, namespace, workload, previous)
			return err
		})
		return nil

	case incident.ActionRestartWorkload:
		if e.cluster == nil {
			return fmt.Errorf("cluster platform not configured")
		}
		return e.cluster.RestartWorkload(ctx, action.Target["namespace"], action.Target["workload"])

	case incident.ActionWaitRetry:
		wait := time.Duration(parseInt(action.Target["wait_seconds"], 30)) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			return nil
		}

	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

// updateRepoConfig applies fix directives to a repository file. The
// prior content is captured so a later failure restores the file at
// whatever SHA it has by then.
func (e *executor) updateRepoConfig(ctx context.Context, action incident.Action, path string) error {
	if e.repo == nil {
		return fmt.Errorf("repository platform not configured")
	}
	branch := action.Target["config_branch"]

	content, sha, err := e.repo.FetchFile(ctx, path, branch)
	if err != nil {
		return err
	}

	fixed := applyConfigFixes(content, strings.Split(action.Target["config_fixes"], "\n"))
	if fixed == content {
		e.logger.Info(ctx, "config file already correct, no commit needed",
			zap.String("path", path))
		return nil
	}

	message := fmt.Sprintf("fix: automated remediation of %s", path)
	if err := e.repo.UpdateFile(ctx, path, branch, message, fixed, sha); err != nil {
		return err
	}
	e.undo = append(e.undo, func(ctx context.Context) error {
		_, currentSHA, err := e.repo.FetchFile(ctx, path, branch)
		if err != nil {
			return err
		}
		return e.repo.UpdateFile(ctx, path, branch,
			fmt.Sprintf("revert: automated remediation of %s", path), content, currentSHA)
	})
	return nil
}

// replaceDirective matches fix directives of the form
// "replace 'old' with 'new'".
var replaceDirective = regexp.MustCompile(`(?i)replace\s+'([^']+)'\s+with\s+'([^']+)'`)

// applyConfigFixes applies fix directives to file content: replacement
// directives rewrite every occurrence of the quoted text, directives
// mentioning duplicates drop repeated non-empty lines. Directives that
// match neither form are ignored.
func applyConfigFixes(content string, fixes []string) string {
	for _, fix := range fixes {
		if m := replaceDirective.FindStringSubmatch(fix); m != nil {
			content = strings.ReplaceAll(content, m[1], m[2])
			continue
		}
		if strings.Contains(strings.ToLower(fix), "duplicate") {
			content = removeDuplicateLines(content)
		}
	}
	return content
}

func removeDuplicateLines(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]bool, len(lines))
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// rollback runs the captured inverse operations in reverse order.
// Best effort: failures are logged, never raised.
func (e *executor) rollback(ctx context.Context) {
	for i := len(e.undo) - 1; i >= 0; i-- {
		if err := e.undo[i](ctx); err != nil {
			e.logger.Warn(ctx, "rollback step failed", zap.Error(err))
		}
	}
}

// verify checks expected state for the targets the plan touched.
func (e *executor) verify(ctx context.Context, plan *incident.Plan) error {
	for _, action := range plan.Actions {
		switch action.Type {
		case incident.ActionRestartWorkload, incident.ActionScaleWorkload, incident.ActionUpdateConfig:
			if action.Target["config_path"] != "" {
				// Repo file changes are verified by the pipeline re-run,
				// not by workload health.
				continue
			}
			if e.cluster == nil {
				continue
			}
			if err := e.cluster.WorkloadHealthy(ctx, action.Target["namespace"], action.Target["workload"]); err != nil {
				return fmt.Errorf("workload verification: %w", err)
			}
		case incident.ActionTriggerSync, incident.ActionUpdateManifest:
			if e.deploy == nil {
				continue
			}
			if err := e.deploy.AppHealthy(ctx, action.Target["application"]); err != nil {
				return fmt.Errorf("application verification: %w", err)
			}
		}
	}
	return nil
}

// configPatch extracts config key/value overrides from the action
// target (keys prefixed "config.").
func configPatch(action incident.Action) map[string]string {
	data := make(map[string]string)
	for k, v := range action.Target {
		if len(k) > 7 && k[:7] == "config." {
			data[k[7:]] = v
		}
	}
	return data
}

// manifestPatch extracts manifest parameter overrides (keys prefixed
// "manifest.").
func manifestPatch(action incident.Action) map[string]string {
	params := make(map[string]string)
	for k, v := range action.Target {
		if len(k) > 9 && k[:9] == "manifest." {
			params[k[9:]] = v
		}
	}
	return params
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
