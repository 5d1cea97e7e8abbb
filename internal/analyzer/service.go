// Package analyzer classifies normalized failure events into a root
// cause category, fixability, and confidence.
//
// Classification is hybrid: an ordered regex signature set always runs,
// an optional model call refines it, and a fusion rule combines the two.
// Analyze never returns an error; on total failure it produces a
// conservative keyword-based fallback that requires human approval.
package analyzer

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/inference"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/analyzer"

// EventReader fetches recent orchestrator events for an object, used to
// enrich sparse error logs before pattern evaluation.
type EventReader interface {
	RecentEvents(ctx context.Context, namespace, object string) ([]string, error)
}

// Service analyzes failure events.
type Service struct {
	cfg       config.AnalyzerConfig
	completer inference.Completer
	events    EventReader
	logger    *logging.Logger
	rules     []signatureRule

	tracer        trace.Tracer
	analysesTotal metric.Int64Counter
	modelDiscards metric.Int64Counter
}

// Option configures optional collaborators.
type Option func(*Service)

// WithCompleter enables the model-analysis path.
func WithCompleter(c inference.Completer) Option {
	return func(s *Service) { s.completer = c }
}

// WithEventReader enables cluster log enrichment.
func WithEventReader(r EventReader) Option {
	return func(s *Service) { s.events = r }
}

// NewService creates a failure analyzer.
func NewService(cfg config.AnalyzerConfig, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = 8192
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		rules:  buildSignatureRules(),
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

	s.analysesTotal, err = meter.Int64Counter(
		"remedyd.analyzer.analyses_total",
		metric.WithDescription("Failure analyses produced, labeled by category and path (pattern, model, fused, fallback)."),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create analyses counter", zap.Error(err))
	}

	s.modelDiscards, err = meter.Int64Counter(
		"remedyd.analyzer.model_discards_total",
		metric.WithDescription("Model analysis paths discarded due to call failure or malformed replies."),
		metric.WithUnit("{discard}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create model discard counter", zap.Error(err))
	}
}

// Analyze classifies an incident. It never returns an error: degraded
// paths fall back to pattern-only analysis and, at worst, a keyword
// heuristic with requires-approval set.
func (s *Service) Analyze(ctx context.Context, event *incident.Event) (analysis incident.Analysis) {
	ctx, span := s.tracer.Start(ctx, "analyzer.Analyze",
		trace.WithAttributes(
			attribute.String("incident.id", event.ID),
			attribute.String("incident.source", string(event.Source)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "analysis panicked, using fallback",
				zap.String("incident_id", event.ID),
				zap.Any("panic", r),
			)
			analysis = keywordFallback(event.ErrorText)
			analysis.RequiresApproval = true
			analysis.AffectedComponents = extractComponents(event.ErrorText, event.Context)
		}
		span.SetAttributes(
			attribute.String("analysis.category", string(analysis.Category)),
			attribute.Float64("analysis.confidence", analysis.Confidence),
		)
	}()

	text, enriched := s.enrich(ctx, event)

	pattern := evaluatePatterns(s.rules, text, event.Source)
	model := s.modelAnalysis(ctx, event, text, pattern)

	analysis = s.fuse(ctx, event, pattern, model, enriched)
	analysis.AffectedComponents = extractComponents(text, event.Context)
	analysis.Confidence = incident.Clamp(analysis.Confidence)
	if analysis.Fixability != incident.FixabilityAuto {
		analysis.RequiresApproval = true
	}

	path := analysisPath(pattern, model)
	if s.analysesTotal != nil {
		s.analysesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(analysis.Category)),
			attribute.String("path", path),
		))
	}
	s.logger.Info(ctx, "incident analyzed",
		zap.String("incident_id", event.ID),
		zap.String("category", string(analysis.Category)),
		zap.String("subcategory", analysis.Subcategory),
		zap.String("fixability", string(analysis.Fixability)),
		zap.Float64("confidence", analysis.Confidence),
		zap.String("path", path),
	)
	return analysis
}

// enrich appends recent cluster events to the error text when the
// incident is cluster-sourced and an event reader is configured.
// Enrichment failures degrade silently to the raw text.
func (s *Service) enrich(ctx context.Context, event *incident.Event) (string, bool) {
	text := event.ErrorText
	if !s.cfg.EnrichFromCluster || s.events == nil || event.Source != incident.SourceKubernetes {
		return text, false
	}

	namespace := event.Context["namespace"]
	object := event.Context["component"]
	if object == "" {
		object = event.Context["service"]
	}
	if namespace == "" || object == "" {
		return text, false
	}

	events, err := s.events.RecentEvents(ctx, namespace, object)
	if err != nil || len(events) == 0 {
		if err != nil {
			s.logger.Debug(ctx, "cluster event enrichment unavailable",
				zap.String("incident_id", event.ID),
				zap.Error(err),
			)
		}
		return text, false
	}

	for _, ev := range events {
		text += "\n" + ev
	}
	return text, true
}

// modelAnalysis runs the optional model path. Returns nil on any
// failure; the caller treats nil as absent data.
func (s *Service) modelAnalysis(ctx context.Context, event *incident.Event, text string, pattern *patternResult) *modelAnalysis {
	if !s.cfg.UseModel || s.completer == nil {
		return nil
	}

	logs := truncateLogs(text, s.cfg.MaxLogBytes)

	callCtx := ctx
	if s.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.ModelTimeout)
		defer cancel()
	}

	reply, err := s.completer.Complete(callCtx, buildAnalysisPrompt(event, logs, pattern))
	if err != nil {
		s.discardModel(ctx, event.ID, fmt.Errorf("model call failed: %w", err))
		return nil
	}

	ma, err := parseModelAnalysis(reply)
	if err != nil {
		s.discardModel(ctx, event.ID, fmt.Errorf("model reply rejected: %w", err))
		return nil
	}
	return ma
}

// truncateLogs caps the log excerpt at max bytes, backing off to the
// nearest rune boundary so a multi-byte character is never split.
func truncateLogs(logs string, max int) string {
	if len(logs) <= max {
		return logs
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(logs[cut]) {
		cut--
	}
	return logs[:cut]
}

func (s *Service) discardModel(ctx context.Context, incidentID string, err error) {
	if s.modelDiscards != nil {
		s.modelDiscards.Add(ctx, 1)
	}
	s.logger.Warn(ctx, "model analysis discarded",
		zap.String("incident_id", incidentID),
		zap.Error(err),
	)
}

// fuse combines the pattern and model paths per the fusion rule.
func (s *Service) fuse(ctx context.Context, event *incident.Event, pattern *patternResult, model *modelAnalysis, enriched bool) incident.Analysis {
	switch {
	case pattern != nil && model != nil:
		if string(pattern.category) == model.Category {
			a := fromModel(model)
			a.Confidence = incident.Clamp(0.4*pattern.confidence + 0.6*model.Confidence + 0.1)
			return a
		}
		// Disagreement: the model's categorization wins, discounted.
		s.logger.Debug(ctx, "pattern and model disagree on category",
			zap.String("incident_id", event.ID),
			zap.String("pattern_category", string(pattern.category)),
			zap.String("model_category", model.Category),
		)
		a := fromModel(model)
		a.Confidence = incident.Clamp(model.Confidence * 0.8)
		return a

	case pattern != nil:
		conf := pattern.confidence
		if enriched && conf > 0.95 {
			conf = 0.95
		}
		return incident.Analysis{
			Category:    pattern.category,
			Subcategory: pattern.subcategory,
			RootCause:   fmt.Sprintf("matched signature %q", pattern.matched),
			Fixability:  pattern.fixability,
			Confidence:  conf,
			Reasoning:   "pattern signature match",
		}

	case model != nil:
		a := fromModel(model)
		if enriched && a.Confidence > 0.95 {
			a.Confidence = 0.95
		}
		return a

	default:
		return keywordFallback(event.ErrorText)
	}
}

func fromModel(m *modelAnalysis) incident.Analysis {
	return incident.Analysis{
		Category:         incident.Category(m.Category),
		Subcategory:      m.Subcategory,
		RootCause:        m.RootCause,
		Fixability:       incident.Fixability(m.Fixability),
		Confidence:       m.Confidence,
		Reasoning:        m.Reasoning,
		FixActions:       m.FixActions,
		AffectedFiles:    m.AffectedFiles,
		EstimatedFixTime: m.EstimatedFixTime,
	}
}

func analysisPath(pattern *patternResult, model *modelAnalysis) string {
	switch {
	case pattern != nil && model != nil:
		return "fused"
	case pattern != nil:
		return "pattern"
	case model != nil:
		return "model"
	default:
		return "fallback"
	}
}
