package simulation

import (
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"forecast-mcp/internal/policy"
)

// maxForecastDays bounds a single trial so date arithmetic cannot overflow.
const maxForecastDays = 20000

// Engine performs the Monte-Carlo simulation.
type Engine struct {
	sim        policy.SimulationPolicy
	confidence policy.ConfidencePolicy
	dist       Distribution
	now        func() time.Time

	mu        sync.Mutex
	fixedSeed *int64
	calls     atomic.Int64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithDistribution replaces the sampler chosen by the policy.
func WithDistribution(d Distribution) Option {
	return func(e *Engine) { e.dist = d }
}

// WithClock sets the clock used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(p policy.Policy, opts ...Option) *Engine {
	e := &Engine{
		sim:        p.Simulation,
		confidence: p.Confidence,
		dist:       NewDistribution(p.Simulation.Distribution.Kind),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSeed pins the seed used by Simulate (for deterministic results).
func (e *Engine) SetSeed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixedSeed = &seed
}

// NextSeed returns the pinned seed, or a fresh one per call.
func (e *Engine) NextSeed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fixedSeed != nil {
		return *e.fixedSeed
	}
	return time.Now().UnixNano() ^ (e.calls.Add(1) << 32)
}

// Simulate runs a forecast with the next seed.
func (e *Engine) Simulate(in Input) (PredictionResult, error) {
	return e.Run(in, e.NextSeed())
}

// Run performs the requested number of trials with an explicit seed.
// Identical input and seed always produce an identical result.
func (e *Engine) Run(in Input, seed int64) (PredictionResult, error) {
	if err := validate(in); err != nil {
		return PredictionResult{}, err
	}

	trials := in.Trials
	if trials <= 0 {
		trials = e.sim.Trials
	}

	res := PredictionResult{
		ProjectID:           in.ProjectID,
		TargetID:            in.TargetID,
		TargetType:          in.TargetType,
		TargetTitle:         in.TargetTitle,
		StartDate:           in.StartDate,
		RemainingComplexity: in.RemainingComplexity,
		DependencyCount:     in.DependencyCount,
		TrialCount:          trials,
		Seed:                seed,
		GeneratedAt:         e.now(),
	}

	if in.RemainingComplexity == 0 {
		return e.collapsed(res, in), nil
	}

	days := e.sample(in, trials, seed)
	sort.Float64s(days)

	res.Percentiles = Percentiles{
		P10: percentile(days, 0.10),
		P50: percentile(days, 0.50),
		P90: percentile(days, 0.90),
	}
	res.Percentiles.P10Date = addDays(in.StartDate, res.Percentiles.P10)
	res.Percentiles.P50Date = addDays(in.StartDate, res.Percentiles.P50)
	res.Percentiles.P90Date = addDays(in.StartDate, res.Percentiles.P90)
	res.PredictedCompletionDate = res.Percentiles.P50Date

	for i := range res.Quantiles {
		res.Quantiles[i] = percentile(days, float64(i)/float64(QuantileSteps-1))
	}

	refDays := e.referenceDays(in)
	res.ReferenceDate = addDays(in.StartDate, refDays)
	res.OnTimeProbability = fractionAtOrBelow(days, refDays)
	res.ConfidenceBucket = BucketFor(res.OnTimeProbability, e.confidence)

	log.Debug().
		Str("target", in.TargetID).
		Int("trials", trials).
		Float64("p50", res.Percentiles.P50).
		Float64("on_time", res.OnTimeProbability).
		Msg("Simulation complete")

	return res, nil
}

// ReferenceDays is the day offset on-time probability is measured against:
// the deadline when present, otherwise the buffered nominal estimate.
func (e *Engine) ReferenceDays(in Input) float64 {
	return e.referenceDays(in)
}

func (e *Engine) referenceDays(in Input) float64 {
	if in.Deadline != nil {
		return in.Deadline.Sub(in.StartDate).Hours() / 24
	}
	return e.nominalDays(in.RemainingComplexity, in.DependencyCount) * (1 + e.sim.PlanningBuffer)
}

func (e *Engine) nominalDays(complexity float64, dependencies int) float64 {
	return complexity / e.sim.HoursPerDay * (1 + dependencyPenalty(e.sim, dependencies))
}

// collapsed is the result for a target with no remaining work.
func (e *Engine) collapsed(res PredictionResult, in Input) PredictionResult {
	res.PredictedCompletionDate = in.StartDate
	res.Percentiles = Percentiles{P10Date: in.StartDate, P50Date: in.StartDate, P90Date: in.StartDate}
	res.ReferenceDate = in.StartDate
	if in.Deadline != nil {
		res.ReferenceDate = *in.Deadline
	}
	res.OnTimeProbability = 1
	res.ConfidenceBucket = VeryHigh
	return res
}

// sample fills one duration (days) per trial. Trials are split into fixed
// chunks, each with its own RNG derived from the seed, so the output is
// independent of scheduling.
func (e *Engine) sample(in Input, trials int, seed int64) []float64 {
	days := make([]float64, trials)

	chunk := e.sim.ChunkSize
	if chunk <= 0 {
		chunk = trials
	}
	chunks := (trials + chunk - 1) / chunk

	master := rand.New(rand.NewSource(seed))
	seeds := make([]int64, chunks)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	base := e.nominalDays(in.RemainingComplexity, in.DependencyCount)
	spread := spreadFor(e.sim, in.DependencyCount)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for c := 0; c < chunks; c++ {
		lo := c * chunk
		hi := min(lo+chunk, trials)
		rng := rand.New(rand.NewSource(seeds[c]))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				d := base * e.dist.Sample(rng, spread)
				if d > maxForecastDays || math.IsNaN(d) {
					d = maxForecastDays
				}
				days[i] = d
			}
			return nil
		})
	}
	_ = g.Wait()

	return days
}

func validate(in Input) error {
	switch {
	case !in.TargetType.Valid():
		return &InsufficientDataError{TargetID: in.TargetID, Reason: "unrecognized target type " + string(in.TargetType)}
	case math.IsNaN(in.RemainingComplexity) || math.IsInf(in.RemainingComplexity, 0):
		return &InsufficientDataError{TargetID: in.TargetID, Reason: "remaining complexity is not a number"}
	case in.RemainingComplexity < 0:
		return &InsufficientDataError{TargetID: in.TargetID, Reason: "remaining complexity is negative"}
	case in.DependencyCount < 0:
		return &InsufficientDataError{TargetID: in.TargetID, Reason: "dependency count is negative"}
	case in.StartDate.IsZero():
		return &InsufficientDataError{TargetID: in.TargetID, Reason: "start date is missing"}
	}
	return nil
}

// BucketFor maps an on-time probability to a confidence bucket. It is
// monotone: a higher probability never yields a lower bucket.
func BucketFor(probability float64, c policy.ConfidencePolicy) ConfidenceBucket {
	switch {
	case probability >= c.VeryHigh:
		return VeryHigh
	case probability >= c.High:
		return High
	case probability >= c.Medium:
		return Medium
	default:
		return Low
	}
}

// percentile reads p from ascending samples.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func fractionAtOrBelow(sorted []float64, limit float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	n := sort.Search(len(sorted), func(i int) bool { return sorted[i] > limit })
	return float64(n) / float64(len(sorted))
}

func addDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * float64(24*time.Hour)))
}
