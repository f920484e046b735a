package simulation

import (
	"fmt"
	"time"

	"forecast-mcp/internal/workitems"
)

// QuantileSteps is the resolution of the CDF grid kept on every result (0%..100% in 5% steps).
const QuantileSteps = 21

// ConfidenceBucket is the coarse label derived from on-time probability.
type ConfidenceBucket string

const (
	Low      ConfidenceBucket = "LOW"
	Medium   ConfidenceBucket = "MEDIUM"
	High     ConfidenceBucket = "HIGH"
	VeryHigh ConfidenceBucket = "VERY_HIGH"
)

// Rank orders buckets from LOW (0) to VERY_HIGH (3). Unknown buckets rank -1.
func (b ConfidenceBucket) Rank() int {
	switch b {
	case Low:
		return 0
	case Medium:
		return 1
	case High:
		return 2
	case VeryHigh:
		return 3
	}
	return -1
}

// Input describes one forecast request.
type Input struct {
	ProjectID   string
	TargetID    string
	TargetType  workitems.TargetType
	TargetTitle string

	RemainingComplexity float64 // work units (hours)
	DependencyCount     int
	StartDate           time.Time

	// Deadline, when set, is the reference the on-time probability is measured against.
	Deadline *time.Time
	Trials   int
}

// Percentiles are simulated durations in days after the start date, with the matching dates.
type Percentiles struct {
	P10     float64   `json:"p10_days"`
	P50     float64   `json:"p50_days"`
	P90     float64   `json:"p90_days"`
	P10Date time.Time `json:"p10_date"`
	P50Date time.Time `json:"p50_date"`
	P90Date time.Time `json:"p90_date"`
}

// PredictionResult is an immutable forecast for one target.
type PredictionResult struct {
	ProjectID   string               `json:"project_id"`
	TargetID    string               `json:"target_id"`
	TargetType  workitems.TargetType `json:"target_type"`
	TargetTitle string               `json:"target_title,omitempty"`

	StartDate               time.Time        `json:"start_date"`
	PredictedCompletionDate time.Time        `json:"predicted_completion_date"`
	ReferenceDate           time.Time        `json:"reference_date"`
	Percentiles             Percentiles      `json:"percentiles"`
	OnTimeProbability       float64          `json:"on_time_probability"`
	ConfidenceBucket        ConfidenceBucket `json:"confidence_bucket"`

	// Quantiles holds simulated days at 0%, 5%, ... 100%.
	Quantiles [QuantileSteps]float64 `json:"quantiles"`

	RemainingComplexity float64   `json:"remaining_complexity"`
	DependencyCount     int       `json:"dependency_count"`
	TrialCount          int       `json:"trial_count"`
	Seed                int64     `json:"seed"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// ProbabilityBy estimates the probability that the target completes by t,
// interpolating linearly over the quantile grid.
func (r PredictionResult) ProbabilityBy(t time.Time) float64 {
	days := t.Sub(r.StartDate).Hours() / 24
	q := r.Quantiles
	step := 1.0 / float64(QuantileSteps-1)

	if days < q[0] {
		return 0
	}
	if days >= q[QuantileSteps-1] {
		return 1
	}

	for i := QuantileSteps - 2; i >= 0; i-- {
		if days < q[i] {
			continue
		}
		span := q[i+1] - q[i]
		if span <= 0 {
			return float64(i+1) * step
		}
		return (float64(i) + (days-q[i])/span) * step
	}
	return 0
}

// InsufficientDataError reports input too poor to simulate meaningfully.
type InsufficientDataError struct {
	TargetID string
	Reason   string
}

func (e *InsufficientDataError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("insufficient data to forecast: %s", e.Reason)
	}
	return fmt.Sprintf("insufficient data to forecast %s: %s", e.TargetID, e.Reason)
}
