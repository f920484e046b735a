// Package forecast wires the work-item provider, simulation engine,
// prediction store and commitment tracker into the operations planners call.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/graph"
	"forecast-mcp/internal/metrics"
	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/predictions"
	"forecast-mcp/internal/scenario"
	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/workitems"
)

// DefaultProviderTimeout bounds every work-item provider call.
const DefaultProviderTimeout = 10 * time.Second

// Target identifies one forecastable unit of work.
type Target struct {
	ProjectID  string               `json:"project_id"`
	TargetID   string               `json:"target_id"`
	TargetType workitems.TargetType `json:"target_type"`
}

func (t Target) key() predictions.Key {
	return predictions.Key{ProjectID: t.ProjectID, TargetID: t.TargetID, TargetType: t.TargetType}
}

func (t Target) validate() error {
	if t.ProjectID == "" || t.TargetID == "" {
		return errors.New("project and target are required")
	}
	if !t.TargetType.Valid() {
		return &simulation.InsufficientDataError{TargetID: t.TargetID, Reason: "unrecognized target type " + string(t.TargetType)}
	}
	return nil
}

// Deps are the collaborators of a Service.
type Deps struct {
	Provider    workitems.Provider
	Engine      *simulation.Engine
	Store       *predictions.Store
	Commitments *commitments.Store
	Metrics     *metrics.Metrics
}

// Config tunes a Service.
type Config struct {
	Policy           policy.Policy
	ProviderTimeout  time.Duration
	BatchParallelism int
	Clock            func() time.Time
}

// Service implements the forecasting operations.
type Service struct {
	provider    workitems.Provider
	engine      *simulation.Engine
	evaluator   *scenario.Evaluator
	store       *predictions.Store
	commitments *commitments.Store
	metrics     *metrics.Metrics

	policy      policy.Policy
	timeout     time.Duration
	parallelism int
	now         func() time.Time

	jobsMu sync.Mutex
	jobs   map[string]*BatchJob

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(deps Deps, cfg Config) *Service {
	engine := deps.Engine
	if engine == nil {
		engine = simulation.NewEngine(cfg.Policy)
	}

	s := &Service{
		provider:    deps.Provider,
		engine:      engine,
		evaluator:   scenario.NewEvaluator(engine, cfg.Policy.Capacity),
		store:       deps.Store,
		commitments: deps.Commitments,
		metrics:     deps.Metrics,
		policy:      cfg.Policy,
		timeout:     cfg.ProviderTimeout,
		parallelism: cfg.BatchParallelism,
		now:         cfg.Clock,
		jobs:        make(map[string]*BatchJob),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultProviderTimeout
	}
	if s.parallelism <= 0 {
		s.parallelism = 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close stops background batch jobs and waits for them to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// PredictOptions tune Predict.
type PredictOptions struct {
	Force       bool
	RequestedBy string
}

// Predict returns the forecast for a target, served from the prediction
// store while fresh.
func (s *Service) Predict(ctx context.Context, t Target, opts PredictOptions) (predictions.Lookup, error) {
	if err := t.validate(); err != nil {
		return predictions.Lookup{}, err
	}
	return s.store.GetOrCompute(ctx, t.key(), predictions.Options{
		Force:       opts.Force,
		RequestedBy: opts.RequestedBy,
	}, func(ctx context.Context) (simulation.PredictionResult, error) {
		return s.compute(ctx, t)
	})
}

func (s *Service) compute(ctx context.Context, t Target) (simulation.PredictionResult, error) {
	item, err := s.workItem(ctx, t)
	if err != nil {
		return simulation.PredictionResult{}, err
	}

	started := time.Now()
	res, err := s.engine.Simulate(s.inputFor(item))
	if err != nil {
		return simulation.PredictionResult{}, err
	}
	s.metrics.ObserveSimulation(string(t.TargetType), time.Since(started))

	log.Info().
		Str("project", t.ProjectID).
		Str("target", t.TargetID).
		Str("type", string(t.TargetType)).
		Time("p50", res.Percentiles.P50Date).
		Str("confidence", string(res.ConfidenceBucket)).
		Msg("Forecast computed")

	s.refreshCommitments(ctx, res)
	return res, nil
}

// refreshCommitments pushes a fresh forecast into open commitments on the
// same target. Failures are logged; the forecast is still returned.
func (s *Service) refreshCommitments(ctx context.Context, res simulation.PredictionResult) {
	if s.commitments == nil {
		return
	}
	open, err := s.commitments.ForTarget(ctx, res.ProjectID, res.TargetID, res.TargetType)
	if err != nil {
		log.Error().Err(err).Str("target", res.TargetID).Msg("Failed to load commitments for refresh")
		return
	}
	for _, c := range open {
		confidence := res.ProbabilityBy(endOfDay(c.CommittedDate))
		if _, err := s.commitments.RefreshConfidence(ctx, c.ID, confidence, "forecast"); err != nil {
			log.Error().Err(err).Str("commitment", c.ID).Msg("Failed to refresh commitment confidence")
			continue
		}
		s.metrics.ObserveConfidenceUpdate()
	}
}

func (s *Service) inputFor(item workitems.WorkItem) simulation.Input {
	start := item.StartDate
	if start.IsZero() {
		start = s.now().UTC()
	}
	return simulation.Input{
		ProjectID:           item.ProjectID,
		TargetID:            item.ID,
		TargetType:          item.TargetType,
		TargetTitle:         item.Title,
		RemainingComplexity: item.RemainingComplexity,
		DependencyCount:     item.DependencyCount,
		StartDate:           start,
		Deadline:            item.DueDate,
	}
}

func (s *Service) workItem(ctx context.Context, t Target) (workitems.WorkItem, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	item, err := s.provider.WorkItem(ctx, t.ProjectID, t.TargetID, t.TargetType)
	err = classify("work_item", err)
	s.metrics.ObserveProvider("work_item", err)
	if err != nil {
		return workitems.WorkItem{}, err
	}
	if item.ProjectID == "" {
		item.ProjectID = t.ProjectID
	}
	return item, nil
}

func (s *Service) projectGraph(ctx context.Context, projectID string) (*graph.DAG, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pg, err := s.provider.ProjectGraph(ctx, projectID)
	err = classify("project_graph", err)
	s.metrics.ObserveProvider("project_graph", err)
	if err != nil {
		return nil, err
	}
	if pg.ProjectID == "" {
		pg.ProjectID = projectID
	}
	return graph.FromProject(pg, s.policy.Simulation.HoursPerDay)
}

// classify turns an expired provider deadline into "no fresh data".
func classify(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return workitems.Unavailable(op, err)
	}
	return err
}

// AnalyzeDelay propagates a hypothetical delay at targetID through the project graph.
func (s *Service) AnalyzeDelay(ctx context.Context, projectID, targetID string, delayDays float64) (graph.DependencyChain, error) {
	dag, err := s.projectGraph(ctx, projectID)
	if err != nil {
		return graph.DependencyChain{}, err
	}
	return dag.AnalyzeDelayImpact(targetID, delayDays)
}

// CriticalPaths returns the critical path of every independent part of the project.
func (s *Service) CriticalPaths(ctx context.Context, projectID string) ([]graph.CriticalPath, error) {
	dag, err := s.projectGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return dag.CriticalPaths(), nil
}

// Schedule returns the CPM schedule of the project graph.
func (s *Service) Schedule(ctx context.Context, projectID string) ([]graph.ScheduledNode, error) {
	dag, err := s.projectGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return dag.Schedule(), nil
}

// RunScenario compares the target's baseline with a hypothetical change.
// Neither run is written to the prediction store.
func (s *Service) RunScenario(ctx context.Context, t Target, def scenario.Definition) (scenario.Comparison, error) {
	if err := t.validate(); err != nil {
		return scenario.Comparison{}, err
	}
	if err := def.Validate(); err != nil {
		return scenario.Comparison{}, err
	}
	item, err := s.workItem(ctx, t)
	if err != nil {
		return scenario.Comparison{}, err
	}
	cmp, err := s.evaluator.Evaluate(s.inputFor(item), def)
	if err != nil {
		return scenario.Comparison{}, err
	}
	s.metrics.ObserveScenario(def.Name)
	return cmp, nil
}

// CommitmentRequest is a planner's new delivery promise.
type CommitmentRequest struct {
	Target        Target
	TargetTitle   string
	CommittedDate time.Time
	CommittedTo   string
	CommittedBy   string
	// InitialConfidence defaults to the forecast probability of meeting CommittedDate.
	InitialConfidence *float64
	RevenueImpact     *float64
	PenaltyClause     string
	Notes             string
}

// CreateCommitment records a commitment.
func (s *Service) CreateCommitment(ctx context.Context, req CommitmentRequest) (commitments.Commitment, error) {
	if err := req.Target.validate(); err != nil {
		return commitments.Commitment{}, err
	}

	title := req.TargetTitle
	var confidence float64
	if req.InitialConfidence != nil {
		confidence = *req.InitialConfidence
	} else {
		lookup, err := s.Predict(ctx, req.Target, PredictOptions{RequestedBy: req.CommittedBy})
		if err != nil {
			return commitments.Commitment{}, fmt.Errorf("derive initial confidence: %w", err)
		}
		confidence = lookup.Result.ProbabilityBy(endOfDay(req.CommittedDate))
		if title == "" {
			title = lookup.Result.TargetTitle
		}
	}

	return s.commitments.Create(ctx, commitments.NewCommitment{
		ProjectID:         req.Target.ProjectID,
		TargetID:          req.Target.TargetID,
		TargetType:        req.Target.TargetType,
		TargetTitle:       title,
		CommittedDate:     req.CommittedDate,
		CommittedTo:       req.CommittedTo,
		CommittedBy:       req.CommittedBy,
		InitialConfidence: confidence,
		RevenueImpact:     req.RevenueImpact,
		PenaltyClause:     req.PenaltyClause,
		Notes:             req.Notes,
	})
}

// UpdateCommitmentStatus applies an explicit status change.
func (s *Service) UpdateCommitmentStatus(ctx context.Context, id string, status commitments.Status, actualDelivery *time.Time, actor string) (commitments.Commitment, error) {
	return s.commitments.UpdateStatus(ctx, id, commitments.StatusUpdate{
		Status:         status,
		ActualDelivery: actualDelivery,
		Actor:          actor,
	})
}

// ListCommitments returns a project's commitments.
func (s *Service) ListCommitments(ctx context.Context, projectID string) ([]commitments.Commitment, error) {
	return s.commitments.List(ctx, projectID)
}

// CommitmentDashboard aggregates a project's commitments.
func (s *Service) CommitmentDashboard(ctx context.Context, projectID string) (commitments.Dashboard, error) {
	return s.commitments.Dashboard(ctx, projectID)
}

// InvalidateCache drops cached predictions for a project or a requesting user.
func (s *Service) InvalidateCache(scope predictions.Scope) (int, error) {
	return s.store.Invalidate(scope)
}

// endOfDay is the last instant a date-only commitment is still on time.
func endOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
