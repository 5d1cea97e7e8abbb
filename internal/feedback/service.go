// Package feedback records remediation outcomes and learns from them:
// confidence calibration, error-pattern statistics, and solution
// deprecation. Recording is best effort and never blocks or fails the
// remediation path.
package feedback

import (
	"context"
	"fmt"
	"sync"
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

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/feedback"

const (
	// solutionHistorySize bounds each solution's effectiveness history.
	solutionHistorySize = 50

	// deprecationRecentScores is how many recent scores the
	// deprecation check averages.
	deprecationRecentScores = 20

	// fastResolutionWindow is the duration over which the speed bonus
	// decays to zero.
	fastResolutionWindow = 600 * time.Second
)

// OutcomeRecord is the durable record of one incident's outcome,
// retained as the training set for calibration.
type OutcomeRecord struct {
	IncidentID        string                   `json:"incident_id"`
	ResolutionID      string                   `json:"resolution_id,omitempty"`
	Source            incident.CandidateSource `json:"source,omitempty"`
	Category          incident.Category        `json:"category"`
	Subcategory       string                   `json:"subcategory"`
	Outcome           incident.Outcome         `json:"outcome"`
	Effectiveness     float64                  `json:"effectiveness"`
	Confidence        float64                  `json:"confidence"`
	Duration          time.Duration            `json:"duration"`
	HumanIntervention bool                     `json:"human_intervention"`
	Automated         bool                     `json:"automated"`
	KnowledgeReused   bool                     `json:"knowledge_reused"`
	HumanRating       *float64                 `json:"human_rating,omitempty"`
	RecordedAt        time.Time                `json:"recorded_at"`
}

// SolutionHistory tracks a (source, resolution) pair's rolling
// effectiveness for deprecation.
type SolutionHistory struct {
	Source       incident.CandidateSource `json:"source"`
	ResolutionID string                   `json:"resolution_id"`
	Scores       []float64                `json:"scores"`
	Uses         int                      `json:"uses"`
	Deprecated   bool                     `json:"deprecated"`
}

func solutionStoreKey(source incident.CandidateSource, resolutionID string) string {
	return fmt.Sprintf("deprecation/%s/%s", source, resolutionID)
}

func outcomeStoreKey(incidentID string) string {
	return "outcome/" + incidentID
}

// Service is the feedback system.
type Service struct {
	cfg    config.FeedbackConfig
	store  Store
	logger *logging.Logger
	now    func() time.Time

	// mu serializes learning-table mutations; the tables are
	// append-mostly and shared across concurrent incidents.
	mu sync.RWMutex

	tracer       trace.Tracer
	recordsTotal metric.Int64Counter
}

// NewService creates a feedback system over the given store. A nil
// store gets an in-memory one.
func NewService(cfg config.FeedbackConfig, store Store, logger *logging.Logger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.DeprecationThreshold <= 0 {
		cfg.DeprecationThreshold = 0.3
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 30 * 24 * time.Hour
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	s.recordsTotal, err = meter.Int64Counter(
		"remedyd.feedback.records_total",
		metric.WithDescription("Outcome records written, labeled by outcome."),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create records counter", zap.Error(err))
	}
}

// Record folds one incident's outcome into the learning tables. Best
// effort: internal problems are logged and swallowed so learning never
// blocks the remediation path. candidate, result, and human may be nil.
func (s *Service) Record(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, result *incident.Result, human *incident.HumanFeedback) {
	ctx, span := s.tracer.Start(ctx, "feedback.Record",
		trace.WithAttributes(attribute.String("incident.id", event.ID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "feedback recording panicked",
				zap.String("incident_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	effectiveness := Effectiveness(result, human)
	record := s.buildRecord(event, analysis, candidate, result, human, effectiveness)
	s.store.Upsert(outcomeStoreKey(event.ID), record)

	if candidate != nil && result != nil && executedOutcome(result.Outcome) {
		actual := 0.0
		if result.Outcome == incident.OutcomeSuccess {
			actual = 1.0
		}
		s.recordCalibration(CalibrationKey{
			Category:    analysis.Category,
			Subcategory: analysis.Subcategory,
			Source:      candidate.Source,
		}, candidate.Confidence, actual)

		s.learnPattern(event, analysis, result.Outcome == incident.OutcomeSuccess)
		s.updateSolutionHistory(ctx, candidate, effectiveness)
	}

	if s.recordsTotal != nil {
		s.recordsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(record.Outcome))))
	}
	s.logger.Debug(ctx, "outcome recorded",
		zap.String("incident_id", event.ID),
		zap.String("outcome", string(record.Outcome)),
		zap.Float64("effectiveness", effectiveness),
	)
}

// executedOutcome reports whether the outcome reflects an actual
// execution attempt rather than a policy decision.
func executedOutcome(o incident.Outcome) bool {
	return o == incident.OutcomeSuccess || o == incident.OutcomeFailure || o == incident.OutcomePartial
}

func (s *Service) buildRecord(event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, result *incident.Result, human *incident.HumanFeedback, effectiveness float64) *OutcomeRecord {
	record := &OutcomeRecord{
		IncidentID:    event.ID,
		Category:      analysis.Category,
		Subcategory:   analysis.Subcategory,
		Effectiveness: effectiveness,
		Confidence:    analysis.Confidence,
		RecordedAt:    s.now().UTC(),
	}
	if candidate != nil {
		record.ResolutionID = candidate.ResolutionID
		record.Source = candidate.Source
		record.Confidence = candidate.Confidence
		record.KnowledgeReused = candidate.Source == incident.SourceCachedSolution ||
			candidate.Source == incident.SourceVectorSimilar
	}
	if result != nil {
		record.Outcome = result.Outcome
		record.Duration = result.Duration
		record.HumanIntervention = result.HumanIntervention
		record.Automated = executedOutcome(result.Outcome)
	} else {
		record.HumanIntervention = true
	}
	if human != nil {
		rating := human.Rating
		record.HumanRating = &rating
	}
	return record
}

// Effectiveness scores an outcome in [0,1]: outcome quality, a speed
// bonus that decays over ten minutes, a bonus for needing no human
// intervention, and an optional human rating adjustment.
func Effectiveness(result *incident.Result, human *incident.HumanFeedback) float64 {
	var score float64
	if result != nil {
		switch result.Outcome {
		case incident.OutcomeSuccess:
			score = 0.7
		case incident.OutcomePartial:
			score = 0.4
		case incident.OutcomeFailure:
			score = 0.1
		}
		if result.Duration > 0 {
			speed := 1 - result.Duration.Seconds()/fastResolutionWindow.Seconds()
			if speed > 0 {
				score += speed * 0.2
			}
		}
		if !result.HumanIntervention {
			score += 0.1
		}
	}
	if human != nil {
		// Rating 0.5 is neutral; the adjustment spans +-0.1.
		score += (human.Rating - 0.5) * 0.2
	}
	return incident.Clamp(score)
}

// updateSolutionHistory appends the score and flags deprecation once
// usage is sufficient and the recent mean falls below the threshold.
func (s *Service) updateSolutionHistory(ctx context.Context, candidate *incident.Candidate, score float64) {
	key := solutionStoreKey(candidate.Source, candidate.ResolutionID)
	history := &SolutionHistory{Source: candidate.Source, ResolutionID: candidate.ResolutionID}
	if v, ok := s.store.Get(key); ok {
		if existing, ok := v.(*SolutionHistory); ok {
			history = existing
		}
	}

	history.Uses++
	history.Scores = append(history.Scores, score)
	if len(history.Scores) > solutionHistorySize {
		history.Scores = history.Scores[len(history.Scores)-solutionHistorySize:]
	}

	if history.Uses >= s.cfg.MinSamples && !history.Deprecated {
		recent := history.Scores
		if len(recent) > deprecationRecentScores {
			recent = recent[len(recent)-deprecationRecentScores:]
		}
		if mean(recent) < s.cfg.DeprecationThreshold {
			history.Deprecated = true
			s.logger.Warn(ctx, "solution deprecated",
				zap.String("resolution_id", candidate.ResolutionID),
				zap.String("source", string(candidate.Source)),
				zap.Float64("recent_mean", mean(recent)),
			)
		}
	}

	s.store.Upsert(key, history)
}

// IsDeprecated reports whether a resolution has been flagged as no
// longer reliable.
func (s *Service) IsDeprecated(source incident.CandidateSource, resolutionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.store.Get(solutionStoreKey(source, resolutionID)); ok {
		if history, ok := v.(*SolutionHistory); ok {
			return history.Deprecated
		}
	}
	return false
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
