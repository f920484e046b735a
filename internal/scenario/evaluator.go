// Package scenario reruns a baseline forecast under hypothetical parameter
// changes and compares the two.
package scenario

import (
	"math"

	"github.com/rs/zerolog/log"

	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/simulation"
)

// Applied records the inputs a definition produced.
type Applied struct {
	RemainingComplexity float64 `json:"remaining_complexity"`
	DependencyCount     int     `json:"dependency_count"`
	CapacityFactor      float64 `json:"capacity_factor"`
}

// Comparison is the before/after view of a scenario.
type Comparison struct {
	Scenario Definition                  `json:"scenario"`
	Baseline simulation.PredictionResult `json:"baseline"`
	Modified simulation.PredictionResult `json:"modified"`
	Inputs   Applied                     `json:"modified_inputs"`

	// DeltaDays is modified P50 minus baseline P50; negative means earlier.
	DeltaDays float64 `json:"delta_days"`
	// DeltaConfidenceBucket is the signed change in bucket rank.
	DeltaConfidenceBucket int `json:"delta_confidence_bucket"`
}

// Evaluator runs scenarios on a simulation engine.
type Evaluator struct {
	engine   *simulation.Engine
	capacity policy.CapacityPolicy
}

func NewEvaluator(engine *simulation.Engine, capacity policy.CapacityPolicy) *Evaluator {
	return &Evaluator{engine: engine, capacity: capacity}
}

// Evaluate simulates the baseline and the modified inputs with the same seed.
// The modified run is measured against the baseline's reference date.
func (e *Evaluator) Evaluate(baseline simulation.Input, def Definition) (Comparison, error) {
	modified, applied, err := e.Apply(baseline, def)
	if err != nil {
		return Comparison{}, err
	}

	seed := e.engine.NextSeed()
	base, err := e.engine.Run(baseline, seed)
	if err != nil {
		return Comparison{}, err
	}

	ref := base.ReferenceDate
	modified.Deadline = &ref
	mod, err := e.engine.Run(modified, seed)
	if err != nil {
		return Comparison{}, err
	}

	cmp := Comparison{
		Scenario:              def,
		Baseline:              base,
		Modified:              mod,
		Inputs:                applied,
		DeltaDays:             mod.Percentiles.P50 - base.Percentiles.P50,
		DeltaConfidenceBucket: mod.ConfidenceBucket.Rank() - base.ConfidenceBucket.Rank(),
	}

	log.Debug().
		Str("target", baseline.TargetID).
		Str("scenario", def.Name).
		Float64("delta_days", cmp.DeltaDays).
		Int("delta_bucket", cmp.DeltaConfidenceBucket).
		Msg("Scenario evaluated")

	return cmp, nil
}

// Apply derives the modified inputs. Changes compose left to right.
func (e *Evaluator) Apply(in simulation.Input, def Definition) (simulation.Input, Applied, error) {
	if err := def.Validate(); err != nil {
		return in, Applied{}, err
	}

	out := in
	capacity := 1.0
	for _, c := range def.Changes {
		switch c.Kind {
		case KindAddDevelopers:
			f := e.CapacityFactor(int(c.Magnitude))
			capacity *= f
			out.RemainingComplexity /= f
		case KindReduceScope:
			out.RemainingComplexity *= 1 - c.Magnitude/100
		case KindRemoveBlockers:
			out.DependencyCount = max(out.DependencyCount-int(c.Magnitude), 0)
		case KindExtendHours:
			out.RemainingComplexity /= 1 + c.Magnitude/100
		}
	}
	// Guard against -0 and float dust from a full scope cut.
	if out.RemainingComplexity < 1e-9 {
		out.RemainingComplexity = 0
	}

	return out, Applied{
		RemainingComplexity: out.RemainingComplexity,
		DependencyCount:     out.DependencyCount,
		CapacityFactor:      capacity,
	}, nil
}

// CapacityFactor is the throughput multiplier for n added developers. Each
// further developer contributes less (Efficiency·Decay^i) relative to the
// base team; the sum is taken in closed form.
func (e *Evaluator) CapacityFactor(n int) float64 {
	if n <= 0 {
		return 1
	}
	k := e.capacity
	added := k.Efficiency * float64(n)
	if k.Decay != 1 {
		added = k.Efficiency * (1 - math.Pow(k.Decay, float64(n))) / (1 - k.Decay)
	}
	return 1 + added/k.BaseTeamSize
}
