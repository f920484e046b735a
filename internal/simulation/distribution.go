package simulation

import (
	"math"
	"math/rand"

	"forecast-mcp/internal/policy"
)

// Distribution samples a per-unit duration multiplier. Implementations must
// be right-skewed around 1.0 and monotone in the underlying uniform/normal
// draw so that runs sharing a seed stay comparable.
type Distribution interface {
	Sample(r *rand.Rand, spread float64) float64
}

// LogNormalDistribution draws exp(spread·Z), whose median is exactly 1.
type LogNormalDistribution struct{}

func (LogNormalDistribution) Sample(r *rand.Rand, spread float64) float64 {
	return math.Exp(spread * r.NormFloat64())
}

// minMultiplier keeps triangular draws positive for any spread.
const minMultiplier = 0.05

// TriangularDistribution has mode 1, a short left tail of spread/2 (floored
// at minMultiplier) and a long right tail of 2·spread.
type TriangularDistribution struct{}

func (TriangularDistribution) Sample(r *rand.Rand, spread float64) float64 {
	if spread <= 0 {
		return 1
	}
	a := math.Max(1-spread/2, minMultiplier)
	b := 1 + 2*spread
	c := 1.0
	u := r.Float64()

	fc := (c - a) / (b - a)
	if u < fc {
		return a + math.Sqrt(u*(b-a)*(c-a))
	}
	return b - math.Sqrt((1-u)*(b-a)*(b-c))
}

// NewDistribution returns the distribution named by the policy.
func NewDistribution(kind string) Distribution {
	if kind == policy.Triangular {
		return TriangularDistribution{}
	}
	return LogNormalDistribution{}
}

// spreadFor widens the distribution with coordination load, bounded by the dependency cap.
func spreadFor(p policy.SimulationPolicy, dependencies int) float64 {
	return p.Distribution.BaseSpread + p.Distribution.SpreadPerDependency*float64(capDependencies(p, dependencies))
}

// dependencyPenalty is the fixed coordination overhead for a dependency count.
func dependencyPenalty(p policy.SimulationPolicy, dependencies int) float64 {
	return p.PenaltyPerDependency * float64(capDependencies(p, dependencies))
}

func capDependencies(p policy.SimulationPolicy, dependencies int) int {
	if dependencies < 0 {
		return 0
	}
	if p.DependencyCap > 0 && dependencies > p.DependencyCap {
		return p.DependencyCap
	}
	return dependencies
}
