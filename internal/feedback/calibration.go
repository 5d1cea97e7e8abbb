package feedback

import (
	"fmt"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// CalibrationKey identifies one confidence-calibration window.
type CalibrationKey struct {
	Category    incident.Category        `json:"category"`
	Subcategory string                   `json:"subcategory"`
	Source      incident.CandidateSource `json:"source"`
}

func (k CalibrationKey) storeKey() string {
	return fmt.Sprintf("calibration/%s/%s/%s", k.Category, k.Subcategory, k.Source)
}

// CalibrationSample pairs a predicted confidence with the observed
// outcome (1 for success, 0 otherwise).
type CalibrationSample struct {
	Predicted float64 `json:"predicted"`
	Actual    float64 `json:"actual"`
}

// CalibrationWindow is a bounded rolling window of samples.
type CalibrationWindow struct {
	Key     CalibrationKey      `json:"key"`
	Samples []CalibrationSample `json:"samples"`
}

// add appends a sample, evicting the oldest beyond the window size.
func (w *CalibrationWindow) add(sample CalibrationSample, windowSize int) {
	w.Samples = append(w.Samples, sample)
	if len(w.Samples) > windowSize {
		w.Samples = w.Samples[len(w.Samples)-windowSize:]
	}
}

// adjustment computes (mean actual - mean predicted) * learningRate
// once the window holds at least minSamples entries, else 0.
func (w *CalibrationWindow) adjustment(minSamples int, learningRate float64) float64 {
	if len(w.Samples) < minSamples {
		return 0
	}
	var sumPredicted, sumActual float64
	for _, s := range w.Samples {
		sumPredicted += s.Predicted
		sumActual += s.Actual
	}
	n := float64(len(w.Samples))
	return (sumActual/n - sumPredicted/n) * learningRate
}

// recordCalibration folds one (predicted, actual) observation into the
// window for the key.
func (s *Service) recordCalibration(key CalibrationKey, predicted, actual float64) {
	window := s.calibrationWindow(key)
	window.add(CalibrationSample{Predicted: predicted, Actual: actual}, s.cfg.WindowSize)
	s.store.Upsert(key.storeKey(), window)
}

func (s *Service) calibrationWindow(key CalibrationKey) *CalibrationWindow {
	if v, ok := s.store.Get(key.storeKey()); ok {
		if w, ok := v.(*CalibrationWindow); ok {
			return w
		}
	}
	return &CalibrationWindow{Key: key}
}

// Adjustment exposes the current calibration adjustment for future
// confidence shaping. Zero until the window reaches its minimum sample
// size.
func (s *Service) Adjustment(category incident.Category, subcategory string, source incident.CandidateSource) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := CalibrationKey{Category: category, Subcategory: subcategory, Source: source}
	return s.calibrationWindow(key).adjustment(s.cfg.MinSamples, s.cfg.LearningRate)
}
