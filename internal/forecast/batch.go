package forecast

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/workitems"
)

var ErrJobNotFound = errors.New("batch job not found")

// JobStatus is the state of a project batch.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// TargetOutcome is one target's result inside a batch.
type TargetOutcome struct {
	TargetID          string                      `json:"target_id"`
	TargetType        workitems.TargetType        `json:"target_type"`
	Title             string                      `json:"title,omitempty"`
	P50Date           *time.Time                  `json:"p50_date,omitempty"`
	P90Date           *time.Time                  `json:"p90_date,omitempty"`
	OnTimeProbability float64                     `json:"on_time_probability"`
	Confidence        simulation.ConfidenceBucket `json:"confidence,omitempty"`
	Cached            bool                        `json:"cached"`
	Error             string                      `json:"error,omitempty"`
}

// BatchJob tracks a whole-project forecast run.
type BatchJob struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	Status     JobStatus       `json:"status"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
	Outcomes   []TargetOutcome `json:"outcomes"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (j *BatchJob) snapshot() BatchJob {
	c := *j
	c.Outcomes = append([]TargetOutcome(nil), j.Outcomes...)
	return c
}

// StartProjectBatch forecasts every target of a project in the background
// and returns the job handle immediately.
func (s *Service) StartProjectBatch(projectID string, force bool) (BatchJob, error) {
	if projectID == "" {
		return BatchJob{}, errors.New("project is required")
	}
	if err := s.baseCtx.Err(); err != nil {
		return BatchJob{}, err
	}

	job := &BatchJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    JobRunning,
		StartedAt: s.now().UTC(),
	}
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	snap := job.snapshot()
	s.jobsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBatch(s.baseCtx, job, force)
	}()

	log.Info().Str("job", job.ID).Str("project", projectID).Msg("Batch forecast started")
	return snap, nil
}

// BatchStatus returns a copy of the job's current state.
func (s *Service) BatchStatus(jobID string) (BatchJob, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return BatchJob{}, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// RunProjectBatch forecasts every target of a project and waits for the result.
func (s *Service) RunProjectBatch(ctx context.Context, projectID string, force bool) (BatchJob, error) {
	job := &BatchJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    JobRunning,
		StartedAt: s.now().UTC(),
	}
	s.runBatch(ctx, job, force)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	snap := job.snapshot()
	if job.Status == JobFailed {
		return snap, errors.New(job.Error)
	}
	return snap, nil
}

func (s *Service) runBatch(ctx context.Context, job *BatchJob, force bool) {
	targets, err := s.listTargets(ctx, job.ProjectID)
	if err != nil {
		s.finish(job, err)
		return
	}

	s.jobsMu.Lock()
	job.Total = len(targets)
	s.jobsMu.Unlock()

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, ref := range targets {
		g.Go(func() error {
			outcome := s.forecastTarget(ctx, job.ProjectID, ref, force)
			s.record(job, outcome)
			return nil
		})
	}
	_ = g.Wait()

	s.finish(job, ctx.Err())
}

func (s *Service) forecastTarget(ctx context.Context, projectID string, ref workitems.TargetRef, force bool) TargetOutcome {
	out := TargetOutcome{TargetID: ref.ID, TargetType: ref.TargetType, Title: ref.Title}
	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}

	lookup, err := s.Predict(ctx, Target{ProjectID: projectID, TargetID: ref.ID, TargetType: ref.TargetType}, PredictOptions{
		Force:       force,
		RequestedBy: "batch",
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}

	res := lookup.Result
	p50, p90 := res.Percentiles.P50Date, res.Percentiles.P90Date
	out.P50Date = &p50
	out.P90Date = &p90
	out.OnTimeProbability = res.OnTimeProbability
	out.Confidence = res.ConfidenceBucket
	out.Cached = lookup.Cached
	return out
}

func (s *Service) record(job *BatchJob, outcome TargetOutcome) {
	s.metrics.ObserveBatchTarget(outcomeErr(outcome))

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if outcome.Error != "" {
		job.Failed++
	} else {
		job.Completed++
	}
	job.Outcomes = append(job.Outcomes, outcome)
}

func (s *Service) finish(job *BatchJob, err error) {
	s.jobsMu.Lock()
	now := s.now().UTC()
	job.FinishedAt = &now
	sort.Slice(job.Outcomes, func(i, k int) bool { return job.Outcomes[i].TargetID < job.Outcomes[k].TargetID })
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
	}
	status := job.Status
	s.jobsMu.Unlock()

	s.metrics.ObserveBatchJob(string(status))
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("job", job.ID).
		Str("project", job.ProjectID).
		Int("completed", job.Completed).
		Int("failed", job.Failed).
		Msg("Batch forecast finished")
}

func (s *Service) listTargets(ctx context.Context, projectID string) ([]workitems.TargetRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	refs, err := s.provider.ListTargets(ctx, projectID)
	err = classify("list_targets", err)
	s.metrics.ObserveProvider("list_targets", err)
	return refs, err
}

func outcomeErr(o TargetOutcome) error {
	if o.Error == "" {
		return nil
	}
	return errors.New(o.Error)
}
