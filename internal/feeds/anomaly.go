package feeds

import "math"

// MinHistoryForAnomalyDetection is the minimum number of numerical history
// points required before AD runs (spec §4.2 step 5).
const MinHistoryForAnomalyDetection = 100

// AnomalyZScoreThreshold flags a value as anomalous when its z-score
// against recent history exceeds this magnitude.
const AnomalyZScoreThreshold = 4.0

// DetectAnomaly scores a candidate value against a window of historical
// numerical values using a simple z-score: informational only, it is
// attached to the update but never prevents publication.
func DetectAnomaly(history []float64, candidate float64) *AnomalyResult {
	if len(history) < MinHistoryForAnomalyDetection {
		return nil
	}

	mean := 0.0
	for _, v := range history {
		mean += v
	}
	mean /= float64(len(history))

	variance := 0.0
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(history))
	stddev := math.Sqrt(variance)

	if stddev == 0 {
		return &AnomalyResult{ZScore: 0, IsAnomaly: candidate != mean}
	}

	z := (candidate - mean) / stddev
	return &AnomalyResult{ZScore: z, IsAnomaly: math.Abs(z) > AnomalyZScoreThreshold}
}
