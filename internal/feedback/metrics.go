package feedback

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

const (
	// calibrationBinWidth is the confidence bucket width for the
	// calibration-error metric.
	calibrationBinWidth = 0.1

	// calibrationBinMinSamples excludes sparse buckets from the
	// calibration-error mean.
	calibrationBinMinSamples = 5
)

// Metrics summarizes remediation performance over the rolling window.
type Metrics struct {
	Window           time.Duration `json:"window"`
	TotalIncidents   int           `json:"total_incidents"`
	SuccessRate      float64       `json:"success_rate"`
	MeanTimeToRepair time.Duration `json:"mean_time_to_repair"`
	EscalationRate   float64       `json:"escalation_rate"`
	FalsePositives   float64       `json:"false_positive_rate"`
	KnowledgeReuse   float64       `json:"knowledge_reuse_rate"`
	CalibrationError float64       `json:"calibration_error"`
}

// Snapshot computes aggregate metrics over outcome records within the
// configured window.
func (s *Service) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.cfg.MetricsWindow)
	metrics := Metrics{Window: s.cfg.MetricsWindow}

	var (
		automated  int
		successes  int
		escalated  int
		falsePos   int
		reused     int
		repairSum  time.Duration
		repairRuns int
	)

	for _, v := range s.store.List("outcome/") {
		record, ok := v.(*OutcomeRecord)
		if !ok || record.RecordedAt.Before(cutoff) {
			continue
		}
		metrics.TotalIncidents++

		if record.HumanIntervention && !record.Automated {
			escalated++
		}
		if record.KnowledgeReused {
			reused++
		}
		if !record.Automated {
			continue
		}
		automated++
		switch record.Outcome {
		case incident.OutcomeSuccess:
			successes++
			repairSum += record.Duration
			repairRuns++
		case incident.OutcomeFailure:
			// An attempted fix that made things worse for a human to
			// unwind counts as a false positive of the automation gate.
			if record.HumanIntervention {
				falsePos++
			}
		}
	}

	if metrics.TotalIncidents > 0 {
		metrics.EscalationRate = float64(escalated) / float64(metrics.TotalIncidents)
		metrics.KnowledgeReuse = float64(reused) / float64(metrics.TotalIncidents)
	}
	if automated > 0 {
		metrics.SuccessRate = float64(successes) / float64(automated)
		metrics.FalsePositives = float64(falsePos) / float64(automated)
	}
	if repairRuns > 0 {
		metrics.MeanTimeToRepair = repairSum / time.Duration(repairRuns)
	}
	metrics.CalibrationError = s.calibrationError(cutoff)
	return metrics
}

// calibrationError buckets automated outcomes by predicted confidence
// and averages |mean predicted - observed success rate| across buckets
// with enough samples. Lower is better calibrated.
func (s *Service) calibrationError(cutoff time.Time) float64 {
	type bin struct {
		predictedSum float64
		successes    int
		count        int
	}
	bins := make(map[int]*bin)

	for _, v := range s.store.List("outcome/") {
		record, ok := v.(*OutcomeRecord)
		if !ok || record.RecordedAt.Before(cutoff) || !record.Automated {
			continue
		}
		idx := int(record.Confidence / calibrationBinWidth)
		if idx > 9 {
			idx = 9
		}
		b := bins[idx]
		if b == nil {
			b = &bin{}
			bins[idx] = b
		}
		b.predictedSum += record.Confidence
		b.count++
		if record.Outcome == incident.OutcomeSuccess {
			b.successes++
		}
	}

	var errSum float64
	var used int
	for _, b := range bins {
		if b.count < calibrationBinMinSamples {
			continue
		}
		predicted := b.predictedSum / float64(b.count)
		observed := float64(b.successes) / float64(b.count)
		errSum += math.Abs(predicted - observed)
		used++
	}
	if used == 0 {
		return 0
	}
	return errSum / float64(used)
}
