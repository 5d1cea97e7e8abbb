// Package config provides configuration loading for remedyd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Config is the root configuration tree.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Analyzer    AnalyzerConfig    `koanf:"analyzer"`
	Knowledge   KnowledgeConfig   `koanf:"knowledge"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Feedback    FeedbackConfig    `koanf:"feedback"`
	Inference   InferenceConfig   `koanf:"inference"`
	VectorIndex VectorIndexConfig `koanf:"vectorindex"`
	GitHub      GitHubConfig      `koanf:"github"`
	Kubernetes  KubernetesConfig  `koanf:"kubernetes"`
	ArgoCD      ArgoCDConfig      `koanf:"argocd"`
	Slack       SlackConfig       `koanf:"slack"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AnalyzerConfig configures the failure analyzer.
type AnalyzerConfig struct {
	// UseModel enables the model-based analysis path.
	UseModel bool `koanf:"use_model"`

	// ModelTimeout bounds the model-analysis call; on expiry the
	// analyzer degrades to pattern-only analysis.
	ModelTimeout time.Duration `koanf:"model_timeout"`

	// MaxLogBytes truncates incident logs before prompting.
	MaxLogBytes int `koanf:"max_log_bytes"`

	// EnrichFromCluster fetches recent Kubernetes events for the
	// affected object before pattern evaluation.
	EnrichFromCluster bool `koanf:"enrich_from_cluster"`
}

// KnowledgeConfig configures the knowledge retriever.
type KnowledgeConfig struct {
	// SourceTimeout bounds each concurrent source query.
	SourceTimeout time.Duration `koanf:"source_timeout"`

	// ChatBaseline is the chat-history source confidence baseline.
	ChatBaseline float64 `koanf:"chat_baseline"`

	// VectorBaseline is the similarity source confidence baseline.
	VectorBaseline float64 `koanf:"vector_baseline"`

	// ModelBaseline is the model-generated source confidence baseline.
	ModelBaseline float64 `koanf:"model_baseline"`

	// ModelConfidenceGate only invokes model generation when the
	// analysis confidence is strictly below this value.
	ModelConfidenceGate float64 `koanf:"model_confidence_gate"`

	// ChatWindow bounds the chat search lookback.
	ChatWindow time.Duration `koanf:"chat_window"`

	// ChatChannels restricts the chat search. Empty means all.
	ChatChannels []string `koanf:"chat_channels"`

	// CacheSize bounds the in-process solution cache.
	CacheSize int `koanf:"cache_size"`

	// SearchLimit is the kNN result count for similarity search.
	SearchLimit int `koanf:"search_limit"`

	// Collection is the vector index collection for past incidents.
	Collection string `koanf:"collection"`
}

// CoordinatorConfig configures selection, gating, and execution.
type CoordinatorConfig struct {
	// Thresholds are per-environment minimum candidate confidences.
	Thresholds map[string]float64 `koanf:"thresholds"`

	// LowConfidence forces the approval gate below this value.
	LowConfidence float64 `koanf:"low_confidence"`

	// HighRiskConfidence is the floor for executing high-risk plans.
	HighRiskConfidence float64 `koanf:"high_risk_confidence"`

	// CostSuccess, CostFailure, and CostManual drive the cost-benefit
	// gate: proceed only when conf*CostSuccess+(1-conf)*CostFailure
	// is below CostManual.
	CostSuccess float64 `koanf:"cost_success"`
	CostFailure float64 `koanf:"cost_failure"`
	CostManual  float64 `koanf:"cost_manual"`

	// ActionTimeout bounds each executed action.
	ActionTimeout time.Duration `koanf:"action_timeout"`
}

// Threshold returns the confidence threshold for an environment.
func (c CoordinatorConfig) Threshold(environment string) float64 {
	if t, ok := c.Thresholds[environment]; ok {
		return t
	}
	if t, ok := c.Thresholds["default"]; ok {
		return t
	}
	return 0.85
}

// FeedbackConfig configures the learning subsystem.
type FeedbackConfig struct {
	// WindowSize bounds each calibration rolling window.
	WindowSize int `koanf:"window_size"`

	// MinSamples is the minimum window fill before adjustments apply.
	MinSamples int `koanf:"min_samples"`

	// LearningRate scales calibration adjustments.
	LearningRate float64 `koanf:"learning_rate"`

	// DeprecationThreshold flags solutions whose recent mean
	// effectiveness falls below it.
	DeprecationThreshold float64 `koanf:"deprecation_threshold"`

	// MetricsWindow is the rolling window for aggregate metrics.
	MetricsWindow time.Duration `koanf:"metrics_window"`
}

// InferenceConfig configures the model-inference endpoint.
type InferenceConfig struct {
	BaseURL        string  `koanf:"base_url"`
	Model          string  `koanf:"model"`
	EmbeddingModel string  `koanf:"embedding_model"`
	APIKey         string  `koanf:"api_key"`
	Temperature    float64 `koanf:"temperature"`
	MaxTokens      int     `koanf:"max_tokens"`

	// RequestsPerSecond rate-limits outbound model calls.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// VectorIndexConfig selects and configures the vector index backend.
type VectorIndexConfig struct {
	// Provider is "qdrant" or "chromem".
	Provider string `koanf:"provider"`

	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     string `koanf:"api_key"`
	VectorSize uint64 `koanf:"vector_size"`

	// Path is the chromem persistence directory. Empty means in-memory.
	Path string `koanf:"path"`
}

// GitHubConfig configures the repository platform client.
type GitHubConfig struct {
	Token string `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
}

// Enabled reports whether the repository platform is configured.
func (c GitHubConfig) Enabled() bool { return c.Token != "" }

// KubernetesConfig configures the cluster platform client.
type KubernetesConfig struct {
	Kubeconfig string `koanf:"kubeconfig"`
	Enabled    bool   `koanf:"enabled"`
}

// ArgoCDConfig configures the continuous-delivery platform client.
type ArgoCDConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
}

// Enabled reports whether the CD platform is configured.
func (c ArgoCDConfig) Enabled() bool { return c.BaseURL != "" }

// SlackConfig configures the chat platform client.
type SlackConfig struct {
	Token          string `koanf:"token"`
	NotifyChannel  string `koanf:"notify_channel"`
	EscalationTeam string `koanf:"escalation_team"`
}

// Enabled reports whether the chat platform is configured.
func (c SlackConfig) Enabled() bool { return c.Token != "" }

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Analyzer: AnalyzerConfig{
			UseModel:          true,
			ModelTimeout:      30 * time.Second,
			MaxLogBytes:       8192,
			EnrichFromCluster: true,
		},
		Knowledge: KnowledgeConfig{
			SourceTimeout:       15 * time.Second,
			ChatBaseline:        0.90,
			VectorBaseline:      0.80,
			ModelBaseline:       0.65,
			ModelConfidenceGate: 0.8,
			ChatWindow:          30 * 24 * time.Hour,
			CacheSize:           100,
			SearchLimit:         5,
			Collection:          "remedyd_incidents",
		},
		Coordinator: CoordinatorConfig{
			Thresholds: map[string]float64{
				"production":  0.92,
				"staging":     0.85,
				"development": 0.75,
				"default":     0.85,
			},
			LowConfidence:      0.9,
			HighRiskConfidence: 0.95,
			CostSuccess:        1.0,
			CostFailure:        50.0,
			CostManual:         500.0,
			ActionTimeout:      5 * time.Minute,
		},
		Feedback: FeedbackConfig{
			WindowSize:           100,
			MinSamples:           10,
			LearningRate:         0.1,
			DeprecationThreshold: 0.3,
			MetricsWindow:        30 * 24 * time.Hour,
		},
		Inference: InferenceConfig{
			BaseURL:           "http://localhost:8080/v1",
			Model:             "gpt-4o-mini",
			EmbeddingModel:    "text-embedding-3-small",
			Temperature:       0.2,
			MaxTokens:         1024,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		VectorIndex: VectorIndexConfig{
			Provider:   "chromem",
			Host:       "localhost",
			Port:       6334,
			VectorSize: 1536,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for env, t := range c.Coordinator.Thresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("threshold for %q out of range: %f", env, t)
		}
	}
	if c.Coordinator.CostManual <= 0 {
		return fmt.Errorf("cost_manual must be positive")
	}
	if c.Feedback.WindowSize <= 0 || c.Feedback.MinSamples <= 0 {
		return fmt.Errorf("feedback window_size and min_samples must be positive")
	}
	if c.Feedback.MinSamples > c.Feedback.WindowSize {
		return fmt.Errorf("feedback min_samples exceeds window_size")
	}
	if c.Knowledge.CacheSize <= 0 {
		return fmt.Errorf("knowledge cache_size must be positive")
	}
	switch c.VectorIndex.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("unknown vectorindex provider: %q", c.VectorIndex.Provider)
	}
	return nil
}
