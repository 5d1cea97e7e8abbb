// Package knowledge retrieves ranked resolution candidates for an
// analyzed incident from multiple sources: chat history, vector
// similarity over past incidents, model generation, and an in-process
// cache of previously successful solutions.
//
// Sources are queried concurrently and isolated from one another; a
// failing source contributes an empty partial result and never aborts
// the join. Retrieve never returns an error.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/inference"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/vectorindex"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/knowledge"

// Service is the knowledge retriever.
type Service struct {
	cfg       config.KnowledgeConfig
	chat      ChatSearcher
	index     vectorindex.Index
	embedder  inference.Embedder
	completer inference.Completer
	cache     *solutionCache
	logger    *logging.Logger

	tracer          trace.Tracer
	candidatesTotal metric.Int64Counter
	sourceFailures  metric.Int64Counter
}

// Option configures optional knowledge sources. A source left
// unconfigured simply contributes nothing; absence is a configuration
// value, not a runtime probe.
type Option func(*Service)

// WithChatSearcher enables the chat-history source.
func WithChatSearcher(c ChatSearcher) Option {
	return func(s *Service) { s.chat = c }
}

// WithVectorSearch enables the similarity source.
func WithVectorSearch(index vectorindex.Index, embedder inference.Embedder) Option {
	return func(s *Service) {
		s.index = index
		s.embedder = embedder
	}
}

// WithCompleter enables the model-generation source.
func WithCompleter(c inference.Completer) Option {
	return func(s *Service) { s.completer = c }
}

// NewService creates a knowledge retriever.
func NewService(cfg config.KnowledgeConfig, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 15 * time.Second
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}

	s := &Service{
		cfg:    cfg,
		cache:  newSolutionCache(cfg.CacheSize),
		logger: logger,
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

	s.candidatesTotal, err = meter.Int64Counter(
		"remedyd.knowledge.candidates_total",
		metric.WithDescription("Resolution candidates produced, labeled by source."),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create candidates counter", zap.Error(err))
	}

	s.sourceFailures, err = meter.Int64Counter(
		"remedyd.knowledge.source_failures_total",
		metric.WithDescription("Knowledge source queries that failed or timed out, labeled by source."),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create source failure counter", zap.Error(err))
	}
}

// sourceFunc queries one knowledge source.
type sourceFunc func(ctx context.Context, event *incident.Event, analysis *incident.Analysis) ([]incident.Candidate, error)

type sourceResult struct {
	name       string
	candidates []incident.Candidate
	err        error
}

// Retrieve fans out to all configured sources and returns the
// deduplicated union, confidence-descending. Never returns an error;
// total failure yields an empty list.
func (s *Service) Retrieve(ctx context.Context, event *incident.Event, analysis *incident.Analysis) []incident.Candidate {
	ctx, span := s.tracer.Start(ctx, "knowledge.Retrieve",
		trace.WithAttributes(attribute.String("incident.id", event.ID)))
	defer span.End()

	sources := map[string]sourceFunc{
		"chat_history":      s.chatSource,
		"vector_similarity": s.vectorSource,
		"model_generated":   s.modelSource,
		"cached_solution":   s.cacheSource,
	}

	results := make(chan sourceResult, len(sources))
	var wg sync.WaitGroup
	for name, fn := range sources {
		wg.Add(1)
		go func(name string, fn sourceFunc) {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, s.cfg.SourceTimeout)
			defer cancel()
			candidates, err := fn(srcCtx, event, analysis)
			results <- sourceResult{name: name, candidates: candidates, err: err}
		}(name, fn)
	}
	wg.Wait()
	close(results)

	var all []incident.Candidate
	for res := range results {
		if res.err != nil {
			if s.sourceFailures != nil {
				s.sourceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", res.name)))
			}
			s.logger.Warn(ctx, "knowledge source degraded",
				zap.String("incident_id", event.ID),
				zap.String("source", res.name),
				zap.Error(res.err),
			)
			continue
		}
		if s.candidatesTotal != nil && len(res.candidates) > 0 {
			s.candidatesTotal.Add(ctx, int64(len(res.candidates)),
				metric.WithAttributes(attribute.String("source", res.name)))
		}
		all = append(all, res.candidates...)
	}

	ranked := Rank(Deduplicate(all))
	span.SetAttributes(attribute.Int("candidates", len(ranked)))
	s.logger.Info(ctx, "candidates retrieved",
		zap.String("incident_id", event.ID),
		zap.Int("total", len(all)),
		zap.Int("after_dedup", len(ranked)),
	)
	return ranked
}

// Deduplicate removes candidates with identical ordered step lists,
// keeping the first occurrence. Idempotent.
func Deduplicate(candidates []incident.Candidate) []incident.Candidate {
	seen := make(map[string]bool, len(candidates))
	out := make([]incident.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := stepsHash(c.Steps)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func stepsHash(steps []string) string {
	h := sha256.New()
	for _, step := range steps {
		h.Write([]byte(strings.TrimSpace(strings.ToLower(step))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Rank sorts candidates confidence-descending, with resolution ID as a
// deterministic tiebreaker.
func Rank(candidates []incident.Candidate) []incident.Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].ResolutionID < candidates[j].ResolutionID
	})
	return candidates
}

// StoreResolution persists a winning candidate for future similarity
// search and cache reuse, and folds the outcome into its success rate.
// Best effort; failures are logged, not returned.
func (s *Service) StoreResolution(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, success bool) {
	ctx, span := s.tracer.Start(ctx, "knowledge.StoreResolution")
	defer span.End()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	rate := successRateAlpha*outcome + (1-successRateAlpha)*candidate.SuccessRate

	if s.index != nil && s.embedder != nil {
		vector, err := s.embedder.EmbedQuery(ctx, incidentText(event, analysis))
		if err != nil {
			s.logger.Warn(ctx, "failed to embed resolution for storage", zap.Error(err))
		} else {
			rec := vectorindex.Record{
				ID:     candidate.ResolutionID,
				Vector: vector,
				Payload: map[string]string{
					"resolution_id": candidate.ResolutionID,
					"description":   candidate.Description,
					"steps":         strings.Join(candidate.Steps, "\n"),
					"category":      string(analysis.Category),
					"subcategory":   analysis.Subcategory,
					"environment":   event.Environment(),
					"success_rate":  formatFloat(rate),
					"last_used":     time.Now().UTC().Format(time.RFC3339),
				},
			}
			if err := s.index.Upsert(ctx, s.cfg.Collection, []vectorindex.Record{rec}); err != nil {
				s.logger.Warn(ctx, "failed to store resolution in index", zap.Error(err))
			}
		}
	}

	if success && (candidate.Source == incident.SourceModelGenerated || candidate.Source == incident.SourceCachedSolution) {
		s.cache.Put(NewSignature(analysis), *candidate)
	}
	// Single EMA step per executed incident; nothing else folds outcomes
	// into the cached rate.
	s.cache.RecordOutcome(candidate.ResolutionID, success)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
