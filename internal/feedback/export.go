package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// exportVersion tags the snapshot format so future layouts can be
// migrated on import.
const exportVersion = 1

// Snapshot errors are wrapped with this prefix for the HTTP surface.
var errImport = fmt.Errorf("import learning snapshot")

// LearningSnapshot is the portable form of everything the feedback
// system has learned. It round-trips through Export and Import so
// learned state survives restarts and can move between deployments.
type LearningSnapshot struct {
	Version    int                           `json:"version"`
	ExportedAt time.Time                     `json:"exported_at"`
	Outcomes   map[string]*OutcomeRecord     `json:"outcomes"`
	Patterns   map[string]*PatternStat       `json:"patterns"`
	Windows    map[string]*CalibrationWindow `json:"calibration_windows"`
	Solutions  map[string]*SolutionHistory   `json:"solutions"`
}

// Export serializes the learning tables as one JSON document.
func (s *Service) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := LearningSnapshot{
		Version:    exportVersion,
		ExportedAt: s.now().UTC(),
		Outcomes:   make(map[string]*OutcomeRecord),
		Patterns:   make(map[string]*PatternStat),
		Windows:    make(map[string]*CalibrationWindow),
		Solutions:  make(map[string]*SolutionHistory),
	}

	for k, v := range s.store.List("outcome/") {
		if record, ok := v.(*OutcomeRecord); ok {
			snapshot.Outcomes[k] = record
		}
	}
	for k, v := range s.store.List("pattern/") {
		if stat, ok := v.(*PatternStat); ok {
			snapshot.Patterns[k] = stat
		}
	}
	for k, v := range s.store.List("calibration/") {
		if window, ok := v.(*CalibrationWindow); ok {
			snapshot.Windows[k] = window
		}
	}
	for k, v := range s.store.List("deprecation/") {
		if history, ok := v.(*SolutionHistory); ok {
			snapshot.Solutions[k] = history
		}
	}

	return json.MarshalIndent(snapshot, "", "  ")
}

// Import loads a previously exported snapshot into the learning
// tables. Imported entries replace same-key entries; keys absent from
// the snapshot are left untouched.
func (s *Service) Import(data []byte) error {
	var snapshot LearningSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("%w: %w", errImport, err)
	}
	if snapshot.Version != exportVersion {
		return fmt.Errorf("%w: unsupported version %d", errImport, snapshot.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range snapshot.Outcomes {
		s.store.Upsert(k, v)
	}
	for k, v := range snapshot.Patterns {
		s.store.Upsert(k, v)
	}
	for k, v := range snapshot.Windows {
		s.store.Upsert(k, v)
	}
	for k, v := range snapshot.Solutions {
		s.store.Upsert(k, v)
	}

	s.logger.Info(context.Background(), "learning snapshot imported",
		zap.Int("outcomes", len(snapshot.Outcomes)),
		zap.Int("patterns", len(snapshot.Patterns)),
		zap.Int("calibration_windows", len(snapshot.Windows)),
		zap.Int("solutions", len(snapshot.Solutions)),
	)
	return nil
}
