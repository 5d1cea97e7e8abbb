// Remedyd is an autonomous incident-remediation daemon.
//
// It ingests failure events from CI, delivery, and runtime platforms,
// classifies the root cause, retrieves candidate fixes from team
// knowledge, and executes safe remediations with rollback protection.
//
// Usage:
//
//	# Start the daemon with defaults
//	remedyd serve
//
//	# Start with a config file
//	remedyd serve --config /etc/remedyd/config.yaml
//
//	# Configure via environment
//	REMEDYD_SERVER__PORT=9090 remedyd serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/analyzer"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/coordinator"
	"github.com/fyrsmithlabs/remedyd/internal/feedback"
	"github.com/fyrsmithlabs/remedyd/internal/httpapi"
	"github.com/fyrsmithlabs/remedyd/internal/inference"
	"github.com/fyrsmithlabs/remedyd/internal/knowledge"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/platform/argocd"
	"github.com/fyrsmithlabs/remedyd/internal/platform/github"
	"github.com/fyrsmithlabs/remedyd/internal/platform/kubernetes"
	"github.com/fyrsmithlabs/remedyd/internal/platform/slack"
	"github.com/fyrsmithlabs/remedyd/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "remedyd",
		Short:         "Autonomous incident-remediation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("remedyd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the remediation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	return cmd
}

// run initializes all dependencies and services, starts the HTTP
// server, and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
	)

	services, closeServices, err := initServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer closeServices()

	srv, err := httpapi.NewServer(services.orchestrator, services.feedback, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info(context.Background(), "shutdown complete")
	return nil
}

// services holds the wired pipeline.
type services struct {
	orchestrator *orchestrator.Service
	feedback     *feedback.Service
}

// initServices wires the pipeline from configuration. Optional
// platforms that are not configured are skipped; the pipeline degrades
// to the sources and executors that remain.
func initServices(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*services, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	model, err := inference.NewClient(cfg.Inference)
	if err != nil {
		return nil, nil, fmt.Errorf("create inference client: %w", err)
	}

	index, err := vectorindex.New(cfg.VectorIndex, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create vector index: %w", err)
	}
	closers = append(closers, func() { _ = index.Close() })
	if err := index.EnsureCollection(ctx, cfg.Knowledge.Collection); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("ensure collection %s: %w", cfg.Knowledge.Collection, err)
	}

	var slackClient *slack.Client
	if cfg.Slack.Enabled() {
		slackClient, err = slack.NewClient(cfg.Slack, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create slack client: %w", err)
		}
	}

	var clusterClient *kubernetes.Client
	if cfg.Kubernetes.Enabled {
		clusterClient, err = kubernetes.NewClient(cfg.Kubernetes, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
		}
	}

	analyzerOpts := []analyzer.Option{}
	if cfg.Analyzer.UseModel {
		analyzerOpts = append(analyzerOpts, analyzer.WithCompleter(model))
	}
	if clusterClient != nil && cfg.Analyzer.EnrichFromCluster {
		analyzerOpts = append(analyzerOpts, analyzer.WithEventReader(clusterClient))
	}
	analyzerSvc := analyzer.NewService(cfg.Analyzer, logger, analyzerOpts...)

	knowledgeOpts := []knowledge.Option{
		knowledge.WithVectorSearch(index, model),
		knowledge.WithCompleter(model),
	}
	if slackClient != nil {
		knowledgeOpts = append(knowledgeOpts, knowledge.WithChatSearcher(slackClient))
	}
	knowledgeSvc := knowledge.NewService(cfg.Knowledge, logger, knowledgeOpts...)

	feedbackSvc := feedback.NewService(cfg.Feedback, nil, logger)

	coordinatorOpts := []coordinator.Option{
		coordinator.WithDeprecationChecker(feedbackSvc),
	}
	if cfg.GitHub.Enabled() {
		repoClient, err := github.NewClient(ctx, cfg.GitHub, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create github client: %w", err)
		}
		coordinatorOpts = append(coordinatorOpts, coordinator.WithRepoPlatform(repoClient))
	}
	if clusterClient != nil {
		coordinatorOpts = append(coordinatorOpts, coordinator.WithClusterPlatform(clusterClient))
	}
	if cfg.ArgoCD.Enabled() {
		deployClient, err := argocd.NewClient(cfg.ArgoCD, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create argocd client: %w", err)
		}
		coordinatorOpts = append(coordinatorOpts, coordinator.WithDeployPlatform(deployClient))
	}
	coordinatorSvc := coordinator.NewService(cfg.Coordinator, logger, coordinatorOpts...)

	orchestratorOpts := []orchestrator.Option{orchestrator.WithRecorder(feedbackSvc)}
	if slackClient != nil {
		orchestratorOpts = append(orchestratorOpts, orchestrator.WithNotifier(slackClient))
	}
	orchestratorSvc := orchestrator.NewService(analyzerSvc, knowledgeSvc, coordinatorSvc, logger, orchestratorOpts...)

	logger.Info(ctx, "services initialized",
		zap.Bool("model_analysis", cfg.Analyzer.UseModel),
		zap.String("vector_index", cfg.VectorIndex.Provider),
		zap.Bool("chat_search", slackClient != nil),
		zap.Bool("cluster_platform", clusterClient != nil),
		zap.Bool("repo_platform", cfg.GitHub.Enabled()),
		zap.Bool("deploy_platform", cfg.ArgoCD.Enabled()),
	)

	return &services{orchestrator: orchestratorSvc, feedback: feedbackSvc}, closeAll, nil
}
