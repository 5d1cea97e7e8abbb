package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

type mockCluster struct {
	restarts    int
	restartErr  error
	scaleCalls  []int32
	scaleErr    error
	configCalls []map[string]string
	healthyErr  error
}

func (m *mockCluster) ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) (int32, error) {
	m.scaleCalls = append(m.scaleCalls, replicas)
	return 1, m.scaleErr
}

func (m *mockCluster) RestartWorkload(ctx context.Context, namespace, name string) error {
	m.restarts++
	return m.restartErr
}

func (m *mockCluster) UpdateConfig(ctx context.Context, namespace, name string, data map[string]string) (map[string]string, error) {
	m.configCalls = append(m.configCalls, data)
	return map[string]string{"prior": "value"}, nil
}

func (m *mockCluster) WorkloadHealthy(ctx context.Context, namespace, name string) error {
	return m.healthyErr
}

type mockDeploy struct {
	syncs     int
	manifests []map[string]string
	rollbacks int
	updateErr error
	healthErr error
}

func (m *mockDeploy) TriggerSync(ctx context.Context, app string) error { m.syncs++; return nil }

func (m *mockDeploy) UpdateManifest(ctx context.Context, app string, params map[string]string) error {
	m.manifests = append(m.manifests, params)
	return m.updateErr
}

func (m *mockDeploy) RollbackRevision(ctx context.Context, app string) error {
	m.rollbacks++
	return nil
}

func (m *mockDeploy) AppHealthy(ctx context.Context, app string) error { return m.healthErr }

type fileUpdate struct {
	path, branch, message, content, priorSHA string
}

type mockRepo struct {
	reruns   []int64
	rerunErr error
	content  string
	sha      string
	fetchErr error
	fetches  int
	updates  []fileUpdate
	secrets  map[string]string
}

func (m *mockRepo) RerunPipeline(ctx context.Context, runID int64) error {
	m.reruns = append(m.reruns, runID)
	return m.rerunErr
}

func (m *mockRepo) FetchFile(ctx context.Context, path, ref string) (string, string, error) {
	m.fetches++
	if m.fetchErr != nil {
		return "", "", m.fetchErr
	}
	// Later fetches see the last written content under a new SHA.
	if len(m.updates) > 0 {
		return m.updates[len(m.updates)-1].content, "sha-after", nil
	}
	return m.content, m.sha, nil
}

func (m *mockRepo) UpdateFile(ctx context.Context, path, branch, message, content, priorSHA string) error {
	m.updates = append(m.updates, fileUpdate{path, branch, message, content, priorSHA})
	return nil
}

func (m *mockRepo) UpdateSecret(ctx context.Context, name, encryptedValue string) error {
	if m.secrets == nil {
		m.secrets = map[string]string{}
	}
	m.secrets[name] = encryptedValue
	return nil
}

type mockDeprecation struct{ deprecated map[string]bool }

func (m *mockDeprecation) IsDeprecated(source incident.CandidateSource, resolutionID string) bool {
	return m.deprecated[resolutionID]
}

func coordinatorConfig() config.CoordinatorConfig {
	cfg := config.Default().Coordinator
	cfg.ActionTimeout = 0
	return cfg
}

func coordEvent(environment string) *incident.Event {
	return &incident.Event{
		ID:          "inc-1",
		Source:      incident.SourceKubernetes,
		FailureType: "CrashLoopBackOff",
		ErrorText:   "back-off restarting failed container",
		Context: map[string]string{
			"environment": environment,
			"namespace":   "apps",
			"component":   "api",
			"application": "api",
		},
	}
}

func coordAnalysis(subcategory string) *incident.Analysis {
	return &incident.Analysis{
		Category:    incident.CategoryResource,
		Subcategory: subcategory,
		RootCause:   "container keeps crashing",
		Fixability:  incident.FixabilityAuto,
		Confidence:  0.9,
	}
}

func coordCandidate(confidence float64) incident.Candidate {
	return incident.Candidate{
		ResolutionID: "res-1",
		Source:       incident.SourceVectorSimilar,
		Description:  "restart the workload",
		Steps:        []string{"restart"},
		Confidence:   confidence,
		SuccessRate:  0.8,
	}
}

func TestCoordinate_NoCandidates(t *testing.T) {
	svc := NewService(coordinatorConfig(), nil)
	result := svc.Coordinate(context.Background(), coordEvent("staging"), coordAnalysis("crash_loop"), nil)
	assert.Nil(t, result)
}

func TestCoordinate_NonAutoFixabilityNeverExecutes(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	analysis := coordAnalysis("crash_loop")
	analysis.Fixability = incident.FixabilityInvestigate

	result := svc.Coordinate(context.Background(), coordEvent("staging"), analysis,
		[]incident.Candidate{coordCandidate(0.99)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.True(t, result.HumanIntervention)
	assert.Equal(t, 0, cluster.restarts)
}

func TestCoordinate_ProductionBelowThresholdRejected(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	result := svc.Coordinate(context.Background(), coordEvent("production"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.90)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "0.92")
	assert.Equal(t, 0, cluster.restarts)
}

func TestCoordinate_ProductionAlwaysPendsApproval(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	result := svc.Coordinate(context.Background(), coordEvent("production"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "approval pending")
	assert.Equal(t, 0, cluster.restarts)
}

func TestCoordinate_LowConfidencePendsApproval(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	result := svc.Coordinate(context.Background(), coordEvent("development"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.86)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "approval pending")
	assert.Equal(t, 0, cluster.restarts)
}

func TestCoordinate_SuccessfulExecution(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	result := svc.Coordinate(context.Background(), coordEvent("staging"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeSuccess, result.Outcome)
	assert.False(t, result.RollbackPerformed)
	assert.False(t, result.HumanIntervention)
	assert.Equal(t, 1, cluster.restarts)
	require.Len(t, result.ExecutedActions, 1)
	assert.Contains(t, result.Details, "VERIFIED")
}

func TestCoordinate_RollbackOnActionFailure(t *testing.T) {
	cluster := &mockCluster{restartErr: errors.New("restart refused")}
	deploy := &mockDeploy{}
	svc := NewService(coordinatorConfig(), nil,
		WithClusterPlatform(cluster),
		WithDeployPlatform(deploy),
	)

	// memory_limit plans update the manifest, then restart. The restart
	// failure must undo the manifest change.
	result := svc.Coordinate(context.Background(), coordEvent("staging"), coordAnalysis("memory_limit"),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeFailure, result.Outcome)
	assert.True(t, result.RollbackPerformed)
	assert.True(t, result.HumanIntervention)
	assert.Equal(t, 1, deploy.rollbacks)
	assert.Contains(t, result.Details, "ROLLED_BACK")
}

func TestCoordinate_RollbackOnVerificationFailure(t *testing.T) {
	cluster := &mockCluster{healthyErr: errors.New("0/2 ready replicas")}
	svc := NewService(coordinatorConfig(), nil, WithClusterPlatform(cluster))

	result := svc.Coordinate(context.Background(), coordEvent("staging"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeFailure, result.Outcome)
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, 1, cluster.restarts)
}

func TestCoordinate_EscalateOnlyPlanRejected(t *testing.T) {
	svc := NewService(coordinatorConfig(), nil)

	analysis := &incident.Analysis{
		Category:    incident.CategoryUnknown,
		Subcategory: "unclassified",
		Fixability:  incident.FixabilityAuto,
		Confidence:  0.9,
	}
	result := svc.Coordinate(context.Background(), coordEvent("staging"), analysis,
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "escalating")
}

func TestCoordinate_DeprecatedCandidateFiltered(t *testing.T) {
	cluster := &mockCluster{}
	svc := NewService(coordinatorConfig(), nil,
		WithClusterPlatform(cluster),
		WithDeprecationChecker(&mockDeprecation{deprecated: map[string]bool{"res-1": true}}),
	)

	result := svc.Coordinate(context.Background(), coordEvent("staging"), coordAnalysis("crash_loop"),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Equal(t, 0, cluster.restarts)
}

func ghEvent(environment string) *incident.Event {
	return &incident.Event{
		ID:          "inc-2",
		Source:      incident.SourceGitHubActions,
		FailureType: "workflow_failure",
		ErrorText:   "Process completed with exit code 1",
		Context: map[string]string{
			"environment": environment,
			"run_id":      "42",
			"branch":      "main",
		},
	}
}

func ghConfigAnalysis() *incident.Analysis {
	return &incident.Analysis{
		Category:      incident.CategoryConfig,
		Subcategory:   "syntax_error",
		RootCause:     "workflow pins a retired runner image",
		Fixability:    incident.FixabilityAuto,
		Confidence:    0.9,
		FixActions:    []string{"Replace 'ubuntu-18.04' with 'ubuntu-22.04'"},
		AffectedFiles: []string{".github/workflows/ci.yml"},
	}
}

func TestCoordinate_GitHubConfigFixCommitsToRepo(t *testing.T) {
	repo := &mockRepo{
		content: "runs-on: ubuntu-18.04\n",
		sha:     "sha-before",
	}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	result := svc.Coordinate(context.Background(), ghEvent("staging"), ghConfigAnalysis(),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeSuccess, result.Outcome)
	require.Len(t, repo.updates, 1)
	update := repo.updates[0]
	assert.Equal(t, ".github/workflows/ci.yml", update.path)
	assert.Equal(t, "main", update.branch)
	assert.Equal(t, "runs-on: ubuntu-22.04\n", update.content)
	assert.Equal(t, "sha-before", update.priorSHA)
	assert.Equal(t, []int64{42}, repo.reruns)
}

func TestCoordinate_GitHubConfigAlreadyCorrectSkipsCommit(t *testing.T) {
	repo := &mockRepo{
		content: "runs-on: ubuntu-22.04\n",
		sha:     "sha-before",
	}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	result := svc.Coordinate(context.Background(), ghEvent("staging"), ghConfigAnalysis(),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeSuccess, result.Outcome)
	assert.Empty(t, repo.updates)
	assert.Equal(t, []int64{42}, repo.reruns)
}

func TestCoordinate_GitHubConfigRollbackRestoresFile(t *testing.T) {
	repo := &mockRepo{
		content:  "runs-on: ubuntu-18.04\n",
		sha:      "sha-before",
		rerunErr: errors.New("rerun refused"),
	}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	result := svc.Coordinate(context.Background(), ghEvent("staging"), ghConfigAnalysis(),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeFailure, result.Outcome)
	assert.True(t, result.RollbackPerformed)
	// The failed re-run undoes the commit: the original content goes
	// back in against the current SHA.
	require.Len(t, repo.updates, 2)
	assert.Equal(t, "runs-on: ubuntu-18.04\n", repo.updates[1].content)
	assert.Equal(t, "sha-after", repo.updates[1].priorSHA)
}

func TestCoordinate_GitHubConfigWithoutAffectedFilesEscalates(t *testing.T) {
	repo := &mockRepo{content: "runs-on: ubuntu-18.04\n"}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	analysis := ghConfigAnalysis()
	analysis.AffectedFiles = nil

	result := svc.Coordinate(context.Background(), ghEvent("staging"), analysis,
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "escalating")
	assert.Equal(t, 0, repo.fetches)
	assert.Empty(t, repo.reruns)
}

func credentialsAnalysis() *incident.Analysis {
	return &incident.Analysis{
		Category:    incident.CategoryAuth,
		Subcategory: "credentials",
		RootCause:   "expired deploy token",
		Fixability:  incident.FixabilityAuto,
		Confidence:  0.9,
	}
}

func TestCoordinate_CredentialsRotateSecret(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	event := ghEvent("staging")
	event.Context["secret_name"] = "DEPLOY_TOKEN"
	event.Context["secret_value"] = "sealed-payload"

	result := svc.Coordinate(context.Background(), event, credentialsAnalysis(),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	assert.Equal(t, incident.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "sealed-payload", repo.secrets["DEPLOY_TOKEN"])
	assert.Equal(t, []int64{42}, repo.reruns)
}

func TestCoordinate_CredentialsWithoutSecretTargetEscalates(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(coordinatorConfig(), nil, WithRepoPlatform(repo))

	result := svc.Coordinate(context.Background(), ghEvent("staging"), credentialsAnalysis(),
		[]incident.Candidate{coordCandidate(0.95)})

	require.NotNil(t, result)
	// No secret target is derivable, so nothing executes and nothing
	// rolls back; the incident goes to a human instead.
	assert.Equal(t, incident.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Details, "escalating")
	assert.False(t, result.RollbackPerformed)
	assert.Empty(t, repo.secrets)
	assert.Empty(t, repo.reruns)
}

func TestSelectCandidate_BestScoreWins(t *testing.T) {
	svc := NewService(coordinatorConfig(), nil)
	analysis := coordAnalysis("crash_loop")

	chat := coordCandidate(0.9)
	chat.ResolutionID = "chat-1"
	chat.Source = incident.SourceChatHistory
	model := coordCandidate(0.9)
	model.ResolutionID = "gen-1"
	model.Source = incident.SourceModelGenerated

	selected := svc.selectCandidate(analysis, []incident.Candidate{model, chat}, 0.85)
	require.NotNil(t, selected)
	// Same confidence, but chat history carries the higher source weight.
	assert.Equal(t, "chat-1", selected.ResolutionID)
}

func TestScoreRisk_Levels(t *testing.T) {
	candidate := coordCandidate(0.95)

	lowEvent := coordEvent("development")
	lowAnalysis := coordAnalysis("crash_loop")
	score, level := scoreRisk(lowEvent, lowAnalysis, &candidate, []incident.Action{{Type: incident.ActionRestartWorkload}})
	assert.Equal(t, incident.RiskLow, level)
	assert.Less(t, score, 0.4)

	highEvent := coordEvent("production")
	highAnalysis := coordAnalysis("memory_limit")
	highAnalysis.AffectedComponents = []string{"api", "worker"}
	actions := []incident.Action{
		{Type: incident.ActionUpdateManifest},
		{Type: incident.ActionScaleWorkload},
	}
	score, level = scoreRisk(highEvent, highAnalysis, &candidate, actions)
	// 0.3 + 0.25 + 0.15 + 0.20 + 0.01
	assert.InDelta(t, 0.91, score, 1e-9)
	assert.Equal(t, incident.RiskHigh, level)
}

func TestLookupActions(t *testing.T) {
	event := coordEvent("staging")

	actions := lookupActions(event, coordAnalysis("crash_loop"))
	assert.Equal(t, []incident.ActionType{incident.ActionRestartWorkload}, actions)

	ghEvent := coordEvent("staging")
	ghEvent.Source = incident.SourceGitHubActions
	analysis := &incident.Analysis{Category: incident.CategoryDependency, Subcategory: "timeout"}
	actions = lookupActions(ghEvent, analysis)
	assert.Equal(t, []incident.ActionType{incident.ActionWaitRetry, incident.ActionRerunPipeline}, actions)

	unknown := &incident.Analysis{Category: incident.CategoryUnknown, Subcategory: "unclassified"}
	actions = lookupActions(event, unknown)
	assert.Equal(t, []incident.ActionType{incident.ActionEscalate}, actions)
}

func TestBuildPlan_RollbackStepsReversed(t *testing.T) {
	candidate := coordCandidate(0.95)
	plan := buildPlan(coordEvent("staging"), coordAnalysis("memory_limit"), &candidate, 0)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, incident.ActionUpdateManifest, plan.Actions[0].Type)
	assert.Equal(t, incident.ActionRestartWorkload, plan.Actions[1].Type)
	// Only the manifest change has a declarative inverse.
	require.Len(t, plan.RollbackSteps, 1)
	assert.Equal(t, incident.ActionUpdateManifest, plan.RollbackSteps[0].Type)
	assert.Equal(t, 15, plan.EstimatedMinutes)
}

func TestBuildPlan_GitHubConfigTargetsAffectedFiles(t *testing.T) {
	candidate := coordCandidate(0.95)
	analysis := ghConfigAnalysis()
	analysis.AffectedFiles = []string{".github/workflows/ci.yml", "Dockerfile"}

	plan := buildPlan(ghEvent("staging"), analysis, &candidate, 0)

	// One config action per affected file, then the pipeline re-run.
	require.Len(t, plan.Actions, 3)
	assert.Equal(t, incident.ActionUpdateConfig, plan.Actions[0].Type)
	assert.Equal(t, ".github/workflows/ci.yml", plan.Actions[0].Target["config_path"])
	assert.Equal(t, "main", plan.Actions[0].Target["config_branch"])
	assert.Equal(t, "Replace 'ubuntu-18.04' with 'ubuntu-22.04'", plan.Actions[0].Target["config_fixes"])
	assert.Equal(t, incident.ActionUpdateConfig, plan.Actions[1].Type)
	assert.Equal(t, "Dockerfile", plan.Actions[1].Target["config_path"])
	assert.Equal(t, incident.ActionRerunPipeline, plan.Actions[2].Type)
}

func TestApplyConfigFixes(t *testing.T) {
	content := "image: app:v1\nimage: app:v1\nport: 8080\n"

	fixed := applyConfigFixes(content, []string{"replace 'app:v1' with 'app:v2'"})
	assert.Equal(t, "image: app:v2\nimage: app:v2\nport: 8080\n", fixed)

	// Directive matching is case-insensitive.
	fixed = applyConfigFixes(content, []string{"Replace 'port: 8080' with 'port: 9090'"})
	assert.Contains(t, fixed, "port: 9090")

	fixed = applyConfigFixes(content, []string{"remove the duplicate image lines"})
	assert.Equal(t, "image: app:v1\nport: 8080\n", fixed)

	// Directives matching neither form leave the content alone.
	assert.Equal(t, content, applyConfigFixes(content, []string{"investigate the failing job"}))
}
