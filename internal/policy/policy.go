// Package policy holds the calibrated constants that drive forecasting:
// distribution shape, dependency penalties, confidence and risk thresholds,
// and the capacity model used by scenarios.
//
// Every value has a default; a YAML file can override any subset of them.
package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Distribution kinds accepted in DistributionPolicy.Kind.
const (
	LogNormal  = "lognormal"
	Triangular = "triangular"
)

// Policy is the full set of forecasting constants.
type Policy struct {
	Simulation SimulationPolicy `yaml:"simulation"`
	Confidence ConfidencePolicy `yaml:"confidence"`
	Risk       RiskPolicy       `yaml:"risk"`
	Capacity   CapacityPolicy   `yaml:"capacity"`
	Cache      CachePolicy      `yaml:"cache"`
}

// SimulationPolicy shapes the per-trial duration model.
type SimulationPolicy struct {
	HoursPerDay  float64            `yaml:"hours_per_day"`
	Trials       int                `yaml:"trials"`
	ChunkSize    int                `yaml:"chunk_size"`
	Distribution DistributionPolicy `yaml:"distribution"`

	// PenaltyPerDependency is the coordination overhead added per dependency.
	PenaltyPerDependency float64 `yaml:"penalty_per_dependency"`
	// DependencyCap bounds how many dependencies contribute to penalty and spread.
	DependencyCap int `yaml:"dependency_cap"`
	// PlanningBuffer widens the nominal duration into the default reference deadline.
	PlanningBuffer float64 `yaml:"planning_buffer"`
}

// DistributionPolicy configures the multiplier distribution.
type DistributionPolicy struct {
	Kind                string  `yaml:"kind"`
	BaseSpread          float64 `yaml:"base_spread"`
	SpreadPerDependency float64 `yaml:"spread_per_dependency"`
}

// ConfidencePolicy maps on-time probability to buckets. A probability at or
// above a threshold earns that bucket.
type ConfidencePolicy struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	VeryHigh float64 `yaml:"very_high"`
}

// RiskPolicy maps commitment confidence to risk levels. Confidence strictly
// above Low is LOW risk, strictly above Medium is MEDIUM, otherwise HIGH.
type RiskPolicy struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
}

// CapacityPolicy models the effect of adding developers to a team.
type CapacityPolicy struct {
	BaseTeamSize float64 `yaml:"base_team_size"`
	// Efficiency is the relative output of the first added developer.
	Efficiency float64 `yaml:"efficiency"`
	// Decay multiplies the contribution of every further developer.
	Decay float64 `yaml:"decay"`
}

// CachePolicy configures prediction freshness.
type CachePolicy struct {
	Freshness Duration `yaml:"freshness"`
}

// Duration is a time.Duration that unmarshals from strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		Simulation: SimulationPolicy{
			HoursPerDay: 6,
			Trials:      1000,
			ChunkSize:   250,
			Distribution: DistributionPolicy{
				Kind:                LogNormal,
				BaseSpread:          0.25,
				SpreadPerDependency: 0.05,
			},
			PenaltyPerDependency: 0.08,
			DependencyCap:        10,
			PlanningBuffer:       0.2,
		},
		Confidence: ConfidencePolicy{
			Medium:   0.5,
			High:     0.75,
			VeryHigh: 0.9,
		},
		Risk: RiskPolicy{
			Low:    0.7,
			Medium: 0.5,
		},
		Capacity: CapacityPolicy{
			BaseTeamSize: 4,
			Efficiency:   0.8,
			Decay:        0.75,
		},
		Cache: CachePolicy{
			Freshness: Duration(24 * time.Hour),
		},
	}
}

// Load reads a YAML policy file over the defaults. An empty path yields the defaults.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	var errs []error

	s := p.Simulation
	if !positive(s.HoursPerDay) {
		errs = append(errs, errors.New("simulation.hours_per_day must be > 0"))
	}
	if s.Trials <= 0 {
		errs = append(errs, errors.New("simulation.trials must be > 0"))
	}
	if s.ChunkSize <= 0 {
		errs = append(errs, errors.New("simulation.chunk_size must be > 0"))
	}
	if s.Distribution.Kind != LogNormal && s.Distribution.Kind != Triangular {
		errs = append(errs, fmt.Errorf("simulation.distribution.kind %q is not one of %s, %s", s.Distribution.Kind, LogNormal, Triangular))
	}
	if s.Distribution.BaseSpread < 0 || s.Distribution.SpreadPerDependency < 0 {
		errs = append(errs, errors.New("simulation.distribution spreads must be >= 0"))
	}
	if s.Distribution.Kind == Triangular {
		// A zero cap leaves the dependency term unbounded.
		if s.DependencyCap == 0 && s.Distribution.SpreadPerDependency > 0 {
			errs = append(errs, errors.New("triangular spread needs simulation.dependency_cap > 0 when spread_per_dependency is set"))
		} else if s.Distribution.BaseSpread+s.Distribution.SpreadPerDependency*float64(s.DependencyCap) >= 1 {
			errs = append(errs, errors.New("triangular spread must stay below 1 at the dependency cap"))
		}
	}
	if s.PenaltyPerDependency < 0 || s.DependencyCap < 0 || s.PlanningBuffer < 0 {
		errs = append(errs, errors.New("simulation penalty, cap and buffer must be >= 0"))
	}

	c := p.Confidence
	if !(0 < c.Medium && c.Medium < c.High && c.High < c.VeryHigh && c.VeryHigh <= 1) {
		errs = append(errs, errors.New("confidence thresholds must satisfy 0 < medium < high < very_high <= 1"))
	}

	r := p.Risk
	if !(0 <= r.Medium && r.Medium < r.Low && r.Low < 1) {
		errs = append(errs, errors.New("risk thresholds must satisfy 0 <= medium < low < 1"))
	}

	k := p.Capacity
	if !positive(k.BaseTeamSize) || !positive(k.Efficiency) || k.Decay <= 0 || k.Decay > 1 {
		errs = append(errs, errors.New("capacity requires base_team_size > 0, efficiency > 0 and 0 < decay <= 1"))
	}

	if p.Cache.Freshness <= 0 {
		errs = append(errs, errors.New("cache.freshness must be > 0"))
	}

	return errors.Join(errs...)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
