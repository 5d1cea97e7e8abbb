// Package orchestrator runs the remediation pipeline end to end:
// analyze, retrieve, coordinate, record. It owns the in-flight
// incident table and a bounded history of completed incidents.
package orchestrator

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

	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/orchestrator"

// historyLimit bounds the completed-incident ring.
const historyLimit = 1000

// Analyzer classifies a failure event.
type Analyzer interface {
	Analyze(ctx context.Context, event *incident.Event) incident.Analysis
}

// Retriever gathers resolution candidates and persists outcomes back
// into the knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, event *incident.Event, analysis *incident.Analysis) []incident.Candidate
	StoreResolution(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, success bool)
}

// Coordinator selects and executes a remediation. A nil result means
// there was nothing to coordinate.
type Coordinator interface {
	Coordinate(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidates []incident.Candidate) *incident.Result
}

// Recorder folds outcomes into the learning tables.
type Recorder interface {
	Record(ctx context.Context, event *incident.Event, analysis *incident.Analysis, candidate *incident.Candidate, result *incident.Result, human *incident.HumanFeedback)
}

// Notifier posts pipeline notifications to the team channel. Failures
// are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Record is one incident's trip through the pipeline.
type Record struct {
	Event     *incident.Event     `json:"event"`
	Analysis  *incident.Analysis  `json:"analysis,omitempty"`
	Candidate *incident.Candidate `json:"candidate,omitempty"`
	Result    *incident.Result    `json:"result,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at,omitempty"`
}

// Stats summarizes orchestrator throughput.
type Stats struct {
	Active    int            `json:"active"`
	Processed int            `json:"processed"`
	Outcomes  map[string]int `json:"outcomes"`
}

// Service is the pipeline orchestrator.
type Service struct {
	analyzer    Analyzer
	retriever   Retriever
	coordinator Coordinator
	recorder    Recorder
	notifier    Notifier
	logger      *logging.Logger
	now         func() time.Time

	mu        sync.RWMutex
	active    map[string]*Record
	history   []*Record
	processed int
	outcomes  map[string]int

	tracer         trace.Tracer
	incidentsTotal metric.Int64Counter
}

// Option configures optional collaborators.
type Option func(*Service)

// WithNotifier wires chat notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRecorder wires the feedback system.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a pipeline orchestrator over the three stages.
func NewService(analyzer Analyzer, retriever Retriever, coordinator Coordinator, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		analyzer:    analyzer,
		retriever:   retriever,
		coordinator: coordinator,
		logger:      logger,
		now:         time.Now,
		active:      make(map[string]*Record),
		outcomes:    make(map[string]int),
		tracer:      otel.Tracer(instrumentationName),
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
	s.incidentsTotal, err = meter.Int64Counter(
		"remedyd.orchestrator.incidents_total",
		metric.WithDescription("Incidents processed, labeled by outcome."),
		metric.WithUnit("{incident}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create incidents counter", zap.Error(err))
	}
}

// Process runs one incident through the pipeline. Always returns a
// result for a valid event; incidents the pipeline cannot remediate
// come back as a rejected outcome with human intervention flagged.
func (s *Service) Process(ctx context.Context, event *incident.Event) (*incident.Result, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid incident: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "orchestrator.Process",
		trace.WithAttributes(
			attribute.String("incident.id", event.ID),
			attribute.String("incident.source", string(event.Source)),
		))
	defer span.End()

	record := &Record{Event: event, StartedAt: s.now()}
	s.mu.Lock()
	if _, exists := s.active[event.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("incident %s is already being processed", event.ID)
	}
	s.active[event.ID] = record
	s.mu.Unlock()
	defer s.complete(record)

	s.logger.Info(ctx, "processing incident",
		zap.String("incident_id", event.ID),
		zap.String("source", string(event.Source)),
		zap.String("failure_type", event.FailureType),
	)

	analysis := s.analyzer.Analyze(ctx, event)
	record.Analysis = &analysis

	candidates := s.retriever.Retrieve(ctx, event, &analysis)

	result := s.coordinator.Coordinate(ctx, event, &analysis, candidates)
	if result == nil {
		result = s.escalate(ctx, event, &analysis)
	}
	record.Result = result
	record.Candidate = candidateByResolution(candidates, result.ResolutionID)

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if s.incidentsTotal != nil {
		s.incidentsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(result.Outcome))))
	}

	s.learn(ctx, record)
	s.notify(ctx, record)
	return result, nil
}

// escalate is the no-candidate path: nothing to coordinate, a human
// takes over.
func (s *Service) escalate(ctx context.Context, event *incident.Event, analysis *incident.Analysis) *incident.Result {
	s.logger.Info(ctx, "no resolution candidates, escalating",
		zap.String("incident_id", event.ID),
		zap.String("category", string(analysis.Category)),
	)
	return &incident.Result{
		IncidentID:        event.ID,
		Action:            "escalated to a human",
		Outcome:           incident.OutcomeRejected,
		Confidence:        analysis.Confidence,
		HumanIntervention: true,
		Details:           "no resolution candidates from any knowledge source",
	}
}

// learn feeds the outcome back into the feedback system and the
// knowledge base. Best effort.
func (s *Service) learn(ctx context.Context, record *Record) {
	if s.recorder != nil {
		s.recorder.Record(ctx, record.Event, record.Analysis, record.Candidate, record.Result, nil)
	}
	if record.Candidate == nil {
		return
	}
	switch record.Result.Outcome {
	case incident.OutcomeSuccess, incident.OutcomeFailure, incident.OutcomePartial:
		s.retriever.StoreResolution(ctx, record.Event, record.Analysis, record.Candidate,
			record.Result.Outcome == incident.OutcomeSuccess)
	}
}

func (s *Service) notify(ctx context.Context, record *Record) {
	if s.notifier == nil {
		return
	}
	event, result := record.Event, record.Result
	var message string
	switch result.Outcome {
	case incident.OutcomeSuccess:
		message = fmt.Sprintf("Incident %s (%s/%s) remediated automatically: %s in %s.",
			event.ID, event.Source, event.FailureType, result.Action, result.Duration.Round(time.Second))
	case incident.OutcomeFailure:
		message = fmt.Sprintf("Incident %s (%s/%s) remediation failed and was rolled back: %s. Human attention needed.",
			event.ID, event.Source, event.FailureType, result.Details)
	default:
		message = fmt.Sprintf("Incident %s (%s/%s) needs a human: %s.",
			event.ID, event.Source, event.FailureType, result.Details)
	}
	if err := s.notifier.Notify(ctx, message); err != nil {
		s.logger.Warn(ctx, "notification failed",
			zap.String("incident_id", event.ID),
			zap.Error(err),
		)
	}
}

// complete moves the record from the active table into the bounded
// history ring.
func (s *Service) complete(record *Record) {
	record.EndedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, record.Event.ID)
	s.history = append(s.history, record)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.processed++
	if record.Result != nil {
		s.outcomes[string(record.Result.Outcome)]++
	}
}

// RecordHumanFeedback attaches an operator rating to a completed
// incident and re-records its outcome with the rating applied.
func (s *Service) RecordHumanFeedback(ctx context.Context, incidentID string, human *incident.HumanFeedback) error {
	s.mu.RLock()
	var record *Record
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Event.ID == incidentID {
			record = s.history[i]
			break
		}
	}
	s.mu.RUnlock()

	if record == nil {
		return fmt.Errorf("incident %s not found in history", incidentID)
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, record.Event, record.Analysis, record.Candidate, record.Result, human)
	}
	return nil
}

// Active returns a snapshot of in-flight incidents.
func (s *Service) Active() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	return out
}

// History returns up to limit most recent completed incidents, newest
// first. limit <= 0 means all retained history.
func (s *Service) History(limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*Record, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Lookup finds an incident by ID in the active table or history.
func (s *Service) Lookup(incidentID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.active[incidentID]; ok {
		return r, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Event.ID == incidentID {
			return s.history[i], true
		}
	}
	return nil, false
}

// Stats summarizes orchestrator throughput since start.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcomes := make(map[string]int, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	return Stats{
		Active:    len(s.active),
		Processed: s.processed,
		Outcomes:  outcomes,
	}
}

func candidateByResolution(candidates []incident.Candidate, resolutionID string) *incident.Candidate {
	if resolutionID == "" {
		return nil
	}
	for i := range candidates {
		if candidates[i].ResolutionID == resolutionID {
			return &candidates[i]
		}
	}
	return nil
}
