package mcp

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/scenario"
	"forecast-mcp/internal/workitems"
)

type PredictInput struct {
	ProjectID    string `json:"project_id" jsonschema:"The project key"`
	TargetID     string `json:"target_id" jsonschema:"Issue key, sprint, milestone or feature group id"`
	TargetType   string `json:"target_type" jsonschema:"Kind of target"`
	ForceRefresh bool   `json:"force_refresh,omitempty" jsonschema:"Skip the cached forecast and recompute"`
	RequestedBy  string `json:"requested_by,omitempty" jsonschema:"User id recorded on the cached forecast"`
}

type DelayImpactInput struct {
	ProjectID string  `json:"project_id" jsonschema:"The project key"`
	TargetID  string  `json:"target_id" jsonschema:"Node of the dependency graph to delay"`
	DelayDays float64 `json:"delay_days" jsonschema:"Hypothetical delay in days (>= 0)"`
}

type CriticalPathsInput struct {
	ProjectID       string `json:"project_id" jsonschema:"The project key"`
	IncludeSchedule bool   `json:"include_schedule,omitempty" jsonschema:"Also return earliest/latest start, finish and slack per node"`
}

type ChangeInput struct {
	Kind      string  `json:"kind" jsonschema:"Parameter transform"`
	Magnitude float64 `json:"magnitude" jsonschema:"Developers or blockers (whole numbers, at most 1000) or percent"`
}

type ScenarioInput struct {
	ProjectID  string        `json:"project_id" jsonschema:"The project key"`
	TargetID   string        `json:"target_id" jsonschema:"Target to evaluate"`
	TargetType string        `json:"target_type" jsonschema:"Kind of target"`
	Template   string        `json:"template,omitempty" jsonschema:"Single-change template: add_developers, reduce_scope, remove_blockers or extend_hours"`
	Magnitude  float64       `json:"magnitude,omitempty" jsonschema:"Magnitude for the template"`
	Name       string        `json:"name,omitempty" jsonschema:"Name for a custom or combined scenario"`
	Changes    []ChangeInput `json:"changes,omitempty" jsonschema:"Explicit changes applied in order; used instead of template"`
}

type GenerateProjectInput struct {
	ProjectID    string `json:"project_id" jsonschema:"The project key"`
	ForceRefresh bool   `json:"force_refresh,omitempty" jsonschema:"Recompute cached forecasts"`
	Wait         bool   `json:"wait,omitempty" jsonschema:"Block until every target is forecast instead of returning a job id"`
}

type BatchStatusInput struct {
	JobID string `json:"job_id" jsonschema:"Id returned by forecast_generate_project"`
}

type CommitmentCreateInput struct {
	ProjectID         string   `json:"project_id" jsonschema:"The project key"`
	TargetID          string   `json:"target_id" jsonschema:"Committed target"`
	TargetType        string   `json:"target_type" jsonschema:"Kind of target"`
	TargetTitle       string   `json:"target_title,omitempty" jsonschema:"Display title; defaults to the work-item title"`
	CommittedDate     string   `json:"committed_date" jsonschema:"Promised date (YYYY-MM-DD)"`
	CommittedTo       string   `json:"committed_to" jsonschema:"Customer or stakeholder the promise was made to"`
	CommittedBy       string   `json:"committed_by,omitempty" jsonschema:"Who made the promise"`
	InitialConfidence *float64 `json:"initial_confidence,omitempty" jsonschema:"Confidence in [0,1]; defaults to the forecast probability of meeting the date"`
	RevenueImpact     *float64 `json:"revenue_impact,omitempty" jsonschema:"Revenue tied to the commitment"`
	PenaltyClause     string   `json:"penalty_clause,omitempty" jsonschema:"Contractual penalty text"`
	Notes             string   `json:"notes,omitempty"`
}

type CommitmentStatusInput struct {
	CommitmentID   string `json:"commitment_id" jsonschema:"Commitment id"`
	Status         string `json:"status" jsonschema:"New lifecycle status"`
	ActualDelivery string `json:"actual_delivery,omitempty" jsonschema:"Delivery date (YYYY-MM-DD), only with DELIVERED or MISSED"`
	Actor          string `json:"actor,omitempty" jsonschema:"Who made the change"`
}

type ProjectInput struct {
	ProjectID string `json:"project_id" jsonschema:"The project key"`
}

type CacheInvalidateInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Drop cached forecasts of this project"`
	UserID    string `json:"user_id,omitempty" jsonschema:"Drop cached forecasts requested by this user"`
}

func (s *Server) registerTools() {
	targetTypes := enumOf(workitems.TargetTypes)

	sdk.AddTool(s.server, &sdk.Tool{
		Name: "forecast_predict",
		Description: "Forecast when a work target (issue, sprint, milestone or feature group) completes, via Monte-Carlo simulation over its remaining complexity and dependencies. " +
			"Returns P10/P50/P90 dates, the on-time probability and a confidence bucket. Results are cached per target; pass force_refresh to recompute.\n\n" +
			"STRICT GUARDRAIL: Report only the dates and probabilities this tool returns. Never extrapolate your own estimates if it fails.",
		InputSchema: inputSchema[PredictInput](map[string][]any{"target_type": targetTypes}),
	}, s.handlePredict)

	sdk.AddTool(s.server, &sdk.Tool{
		Name: "forecast_delay_impact",
		Description: "Inject a hypothetical delay at one node of the project's dependency graph and report how far every downstream item moves, " +
			"which leaves are pushed past their committed date and an overall risk score.",
		InputSchema: inputSchema[DelayImpactInput](nil),
	}, s.handleDelayImpact)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "forecast_critical_paths",
		Description: "Find the longest-duration dependency chain of each independent part of the project. Guidance: use 'forecast_delay_impact' next on a critical node.",
		InputSchema: inputSchema[CriticalPathsInput](nil),
	}, s.handleCriticalPaths)

	scenarioSchema := inputSchema[ScenarioInput](map[string][]any{
		"target_type": targetTypes,
		"template":    {"add_developers", "reduce_scope", "remove_blockers", "extend_hours"},
	})
	if changes, ok := scenarioSchema.Properties["changes"]; ok && changes.Items != nil {
		if kind, ok := changes.Items.Properties["kind"]; ok {
			kind.Enum = enumOf(scenario.Kinds)
		}
	}
	sdk.AddTool(s.server, &sdk.Tool{
		Name: "forecast_scenario",
		Description: "Compare a target's baseline forecast with a what-if: add developers, reduce scope, remove blockers, extend hours, or several changes combined. " +
			"Both runs share one random seed so the difference reflects the change only. Scenario runs are never cached.",
		InputSchema: scenarioSchema,
	}, s.handleScenario)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "forecast_generate_project",
		Description: "Forecast every target of a project. Runs in the background and returns a job id unless wait is set; poll 'forecast_batch_status' for progress.",
		InputSchema: inputSchema[GenerateProjectInput](nil),
	}, s.handleGenerateProject)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "forecast_batch_status",
		Description: "Report progress and per-target outcomes of a project forecast job.",
		InputSchema: inputSchema[BatchStatusInput](nil),
	}, s.handleBatchStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name: "commitment_create",
		Description: "Record a delivery date promised to a customer or stakeholder. Without initial_confidence the current forecast's probability of meeting the date is used. " +
			"Confidence and risk level are refreshed automatically whenever the target is re-forecast.",
		InputSchema: inputSchema[CommitmentCreateInput](map[string][]any{"target_type": targetTypes}),
	}, s.handleCommitmentCreate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "commitment_update_status",
		Description: "Move a commitment through its lifecycle: PENDING -> ON_TRACK/AT_RISK -> DELAYED -> DELIVERED/MISSED. Closing a commitment records days early (negative when late).",
		InputSchema: inputSchema[CommitmentStatusInput](map[string][]any{"status": enumOf(commitments.Statuses)}),
	}, s.handleCommitmentStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "commitment_list",
		Description: "List every commitment of a project, earliest committed date first.",
		InputSchema: inputSchema[ProjectInput](nil),
	}, s.handleCommitmentList)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "commitment_dashboard",
		Description: "Summarize a project's commitments: counts by status, on-time rate, average days early and revenue at risk.",
		InputSchema: inputSchema[ProjectInput](nil),
	}, s.handleCommitmentDashboard)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "cache_invalidate",
		Description: "Drop cached forecasts for a project, for a requesting user, or both. The next forecast_predict recomputes.",
		InputSchema: inputSchema[CacheInvalidateInput](nil),
	}, s.handleCacheInvalidate)
}

// inputSchema infers T's schema and pins enum values on the named properties.
func inputSchema[T any](enums map[string][]any) *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("input schema for %T: %v", *new(T), err))
	}
	for name, values := range enums {
		if prop, ok := schema.Properties[name]; ok {
			prop.Enum = values
		}
	}
	return schema
}

func enumOf[E ~string](values []E) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

