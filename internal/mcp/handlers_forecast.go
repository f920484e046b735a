package mcp

import (
	"context"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"forecast-mcp/internal/forecast"
	"forecast-mcp/internal/graph"
	"forecast-mcp/internal/scenario"
	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/visuals"
	"forecast-mcp/internal/workitems"
)

func parseTarget(projectID, targetID, targetType string) (forecast.Target, error) {
	tt, err := workitems.ParseTargetType(targetType)
	if err != nil {
		return forecast.Target{}, err
	}
	if projectID == "" || targetID == "" {
		return forecast.Target{}, fmt.Errorf("project_id and target_id are required")
	}
	return forecast.Target{ProjectID: projectID, TargetID: targetID, TargetType: tt}, nil
}

func (s *Server) handlePredict(ctx context.Context, _ *sdk.CallToolRequest, in PredictInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	target, err := parseTarget(in.ProjectID, in.TargetID, in.TargetType)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	lookup, err := s.svc.Predict(ctx, target, forecast.PredictOptions{
		Force:       in.ForceRefresh,
		RequestedBy: in.RequestedBy,
	})
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	var guidance, warnings []string
	if lookup.Stale {
		warnings = append(warnings, fmt.Sprintf("STALE: the work-item store did not answer in time; this forecast was computed at %s and may not reflect recent changes.", lookup.StoredAt.Format(time.RFC3339)))
	} else if lookup.Cached {
		guidance = append(guidance, fmt.Sprintf("Served from cache (fresh until %s). Use force_refresh to recompute.", lookup.ExpiresAt.Format(time.RFC3339)))
	}
	guidance = append(guidance, confidenceGuidance(lookup.Result)...)

	env := WrapResponse(lookup, guidance, warnings)
	if s.enableMermaidCharts {
		env.Visual = visuals.GenerateForecastCDF(lookup.Result)
	}
	return nil, env, nil
}

func confidenceGuidance(res simulation.PredictionResult) []string {
	switch res.ConfidenceBucket {
	case simulation.Low:
		return []string{fmt.Sprintf("Only %.0f%% of simulated outcomes finish by %s. Use 'forecast_scenario' to test adding developers, cutting scope or removing blockers.",
			res.OnTimeProbability*100, res.ReferenceDate.Format(time.DateOnly))}
	case simulation.Medium:
		return []string{"Confidence is MEDIUM: quote the P90 date, not the P50 date, for external commitments."}
	}
	return nil
}

func (s *Server) handleDelayImpact(ctx context.Context, _ *sdk.CallToolRequest, in DelayImpactInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	chain, err := s.svc.AnalyzeDelay(ctx, in.ProjectID, in.TargetID, in.DelayDays)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	var warnings []string
	for _, leaf := range chain.Leaves {
		if leaf.PushedPastCommitment {
			warnings = append(warnings, fmt.Sprintf("%s would finish %s, after its committed date %s.",
				leaf.ID, leaf.DelayedFinish.Format(time.DateOnly), leaf.CommittedDate.Format(time.DateOnly)))
		}
	}
	return nil, WrapResponse(chain, nil, warnings), nil
}

type criticalPathsResult struct {
	Paths    []graph.CriticalPath  `json:"paths"`
	Schedule []graph.ScheduledNode `json:"schedule,omitempty"`
}

func (s *Server) handleCriticalPaths(ctx context.Context, _ *sdk.CallToolRequest, in CriticalPathsInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	paths, err := s.svc.CriticalPaths(ctx, in.ProjectID)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	res := criticalPathsResult{Paths: paths}
	if in.IncludeSchedule {
		if res.Schedule, err = s.svc.Schedule(ctx, in.ProjectID); err != nil {
			return nil, ResponseEnvelope{}, err
		}
	}

	var guidance []string
	if len(paths) > 0 && len(paths[0].OrderedMemberIDs) > 0 {
		guidance = append(guidance, fmt.Sprintf("Any delay on %v moves the project end date one for one. Use 'forecast_delay_impact' to quantify it.", paths[0].OrderedMemberIDs))
	}
	env := WrapResponse(res, guidance, nil)
	if s.enableMermaidCharts {
		env.Visual = visuals.GenerateCriticalPathFlow(paths)
	}
	return nil, env, nil
}

func (s *Server) handleScenario(ctx context.Context, _ *sdk.CallToolRequest, in ScenarioInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	target, err := parseTarget(in.ProjectID, in.TargetID, in.TargetType)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	def, err := scenarioDefinition(in)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	cmp, err := s.svc.RunScenario(ctx, target, def)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	var guidance []string
	switch {
	case cmp.DeltaDays < 0:
		guidance = append(guidance, fmt.Sprintf("The median completion moves %.1f days earlier.", -cmp.DeltaDays))
	case cmp.DeltaDays == 0:
		guidance = append(guidance, "The change does not move the median completion date.")
	}
	env := WrapResponse(cmp, guidance, nil)
	if s.enableMermaidCharts {
		env.Visual = visuals.GenerateScenarioChart(cmp)
	}
	return nil, env, nil
}

func scenarioDefinition(in ScenarioInput) (scenario.Definition, error) {
	if len(in.Changes) == 0 {
		if in.Template == "" {
			return scenario.Definition{}, fmt.Errorf("either template or changes is required")
		}
		return scenario.Template(in.Template, in.Magnitude)
	}

	def := scenario.Definition{Name: in.Name}
	if def.Name == "" {
		def.Name = "combined"
	}
	for _, c := range in.Changes {
		kind, err := scenario.ParseKind(c.Kind)
		if err != nil {
			return scenario.Definition{}, err
		}
		def.Changes = append(def.Changes, scenario.Change{Kind: kind, Magnitude: c.Magnitude})
	}
	return def, def.Validate()
}

func (s *Server) handleGenerateProject(ctx context.Context, _ *sdk.CallToolRequest, in GenerateProjectInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	if in.Wait {
		job, err := s.svc.RunProjectBatch(ctx, in.ProjectID, in.ForceRefresh)
		if err != nil {
			return nil, ResponseEnvelope{}, err
		}
		return nil, WrapResponse(job, nil, batchWarnings(job)), nil
	}

	job, err := s.svc.StartProjectBatch(in.ProjectID, in.ForceRefresh)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	return nil, WrapResponse(job, []string{fmt.Sprintf("Poll 'forecast_batch_status' with job_id %s until status is completed.", job.ID)}, nil), nil
}

func (s *Server) handleBatchStatus(_ context.Context, _ *sdk.CallToolRequest, in BatchStatusInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	job, err := s.svc.BatchStatus(in.JobID)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	return nil, WrapResponse(job, nil, batchWarnings(job)), nil
}

func batchWarnings(job forecast.BatchJob) []string {
	var warnings []string
	if job.Failed > 0 {
		warnings = append(warnings, fmt.Sprintf("%d of %d targets could not be forecast; see the error on each outcome.", job.Failed, job.Total))
	}
	if job.Error != "" {
		warnings = append(warnings, job.Error)
	}
	return warnings
}
