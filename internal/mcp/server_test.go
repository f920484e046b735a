package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/forecast"
	"forecast-mcp/internal/graph"
	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/predictions"
	"forecast-mcp/internal/scenario"
	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/workitems"
)

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Guidance []string        `json:"guidance"`
	Warnings []string        `json:"warnings"`
	Visual   string          `json:"visual"`
}

func newSession(t *testing.T) *sdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	provider, err := workitems.LoadFixture(filepath.Join("..", "workitems", "testdata", "fixture.yaml"))
	require.NoError(t, err)
	store, err := predictions.New(predictions.Config{TTL: time.Hour})
	require.NoError(t, err)

	p := policy.Default()
	cs, err := commitments.Open(filepath.Join(t.TempDir(), "forecast.db"), p.Risk)
	require.NoError(t, err)

	engine := simulation.NewEngine(p)
	engine.SetSeed(7)
	svc := forecast.New(forecast.Deps{
		Provider:    provider,
		Engine:      engine,
		Store:       store,
		Commitments: cs,
	}, forecast.Config{Policy: p})

	srv := NewServer(svc, Options{Version: "test", EnableMermaidCharts: true})
	clientTransport, serverTransport := sdk.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverTransport)
	require.NoError(t, err)

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		session.Close()
		ss.Wait()
		svc.Close()
		cs.Close()
	})
	return session
}

func call(t *testing.T, session *sdk.ClientSession, name string, args map[string]any) envelope {
	t.Helper()
	res, err := session.CallTool(context.Background(), &sdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, res.IsError, "%s failed: %s", name, toolText(res))

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func callErr(t *testing.T, session *sdk.ClientSession, name string, args map[string]any) string {
	t.Helper()
	res, err := session.CallTool(context.Background(), &sdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.True(t, res.IsError, "expected %s to fail", name)
	return toolText(res)
}

func toolText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestListTools(t *testing.T) {
	session := newSession(t)
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		if tool.Name == "commitment_list" {
			assert.Contains(t, tool.Description, "earliest committed date first")
		}
	}
	assert.ElementsMatch(t, []string{
		"forecast_predict", "forecast_delay_impact", "forecast_critical_paths", "forecast_scenario",
		"forecast_generate_project", "forecast_batch_status",
		"commitment_create", "commitment_update_status", "commitment_list", "commitment_dashboard",
		"cache_invalidate",
	}, names)
}

func TestPredictTool(t *testing.T) {
	session := newSession(t)
	args := map[string]any{"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT", "requested_by": "dana"}

	first := decode[predictions.Lookup](t, call(t, session, "forecast_predict", args))
	assert.False(t, first.Cached)
	assert.Equal(t, "S-7", first.Result.TargetID)
	assert.False(t, first.Result.Percentiles.P90Date.Before(first.Result.Percentiles.P50Date))

	env := call(t, session, "forecast_predict", args)
	second := decode[predictions.Lookup](t, env)
	assert.True(t, second.Cached)
	require.NotEmpty(t, env.Guidance)
	assert.Contains(t, env.Guidance[0], "Served from cache")
	assert.Contains(t, env.Visual, "xychart-beta")

	msg := callErr(t, session, "forecast_predict", map[string]any{"project_id": "PAY", "target_id": "NOPE", "target_type": "ISSUE"})
	assert.Contains(t, msg, "not found")

	removed := decode[invalidateResult](t, call(t, session, "cache_invalidate", map[string]any{"project_id": "PAY"}))
	assert.Equal(t, 1, removed.Removed)
}

func TestGraphTools(t *testing.T) {
	session := newSession(t)

	pathsEnv := call(t, session, "forecast_critical_paths", map[string]any{"project_id": "PAY", "include_schedule": true})
	assert.Contains(t, pathsEnv.Visual, "n_A --> n_B")
	paths := decode[criticalPathsResult](t, pathsEnv)
	require.Len(t, paths.Paths, 1)
	assert.Equal(t, []string{"A", "B", "C"}, paths.Paths[0].OrderedMemberIDs)
	assert.Len(t, paths.Schedule, 3)

	env := call(t, session, "forecast_delay_impact", map[string]any{"project_id": "PAY", "target_id": "A", "delay_days": 5})
	chain := decode[graph.DependencyChain](t, env)
	assert.Equal(t, 1.0, chain.RiskScore)
	require.Len(t, env.Warnings, 1)
	assert.Contains(t, env.Warnings[0], "C would finish")

	msg := callErr(t, session, "forecast_delay_impact", map[string]any{"project_id": "PAY", "target_id": "Z", "delay_days": 1})
	assert.Contains(t, msg, "unknown")
}

func TestScenarioTool(t *testing.T) {
	session := newSession(t)

	cmp := decode[scenario.Comparison](t, call(t, session, "forecast_scenario", map[string]any{
		"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT",
		"template": "reduce_scope", "magnitude": 50,
	}))
	assert.Less(t, cmp.DeltaDays, 0.0)
	assert.Equal(t, "reduceScope", cmp.Scenario.Name)

	combined := decode[scenario.Comparison](t, call(t, session, "forecast_scenario", map[string]any{
		"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT",
		"name": "push",
		"changes": []map[string]any{
			{"kind": "ADD_DEVELOPERS", "magnitude": 2},
			{"kind": "REMOVE_BLOCKERS", "magnitude": 1},
		},
	}))
	assert.Equal(t, 2, combined.Inputs.DependencyCount)
	assert.Less(t, combined.DeltaDays, 0.0)

	msg := callErr(t, session, "forecast_scenario", map[string]any{
		"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT",
		"template": "add_developers", "magnitude": 1.5,
	})
	assert.Contains(t, msg, "whole number")
}

func TestCommitmentTools(t *testing.T) {
	session := newSession(t)

	created := decode[commitments.Commitment](t, call(t, session, "commitment_create", map[string]any{
		"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT",
		"committed_date": "2024-01-12", "committed_to": "Acme Corp", "committed_by": "dana",
		"initial_confidence": 0.9, "revenue_impact": 25000,
	}))
	assert.Equal(t, commitments.RiskLow, created.RiskLevel)

	// A fresh forecast pulls the commitment's confidence down.
	call(t, session, "forecast_predict", map[string]any{"project_id": "PAY", "target_id": "S-7", "target_type": "SPRINT"})

	list := decode[[]commitments.Commitment](t, call(t, session, "commitment_list", map[string]any{"project_id": "PAY"}))
	require.Len(t, list, 1)
	assert.Equal(t, commitments.RiskHigh, list[0].RiskLevel)

	env := call(t, session, "commitment_dashboard", map[string]any{"project_id": "PAY"})
	d := decode[commitments.Dashboard](t, env)
	assert.Equal(t, 1, d.AtRisk)
	assert.Equal(t, 25000.0, d.RevenueAtRisk)
	assert.NotEmpty(t, env.Warnings)

	call(t, session, "commitment_update_status", map[string]any{"commitment_id": created.ID, "status": "AT_RISK"})
	call(t, session, "commitment_update_status", map[string]any{"commitment_id": created.ID, "status": "DELAYED"})
	closed := decode[commitments.Commitment](t, call(t, session, "commitment_update_status", map[string]any{
		"commitment_id": created.ID, "status": "DELIVERED", "actual_delivery": "2024-01-15", "actor": "dana",
	}))
	require.NotNil(t, closed.DaysEarly)
	assert.Equal(t, -3, *closed.DaysEarly)

	msg := callErr(t, session, "commitment_update_status", map[string]any{"commitment_id": created.ID, "status": "ON_TRACK"})
	assert.Contains(t, msg, "cannot move")
}

func TestGenerateProjectTools(t *testing.T) {
	session := newSession(t)

	job := decode[forecast.BatchJob](t, call(t, session, "forecast_generate_project", map[string]any{"project_id": "PAY", "wait": true}))
	assert.Equal(t, forecast.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Completed)

	started := decode[forecast.BatchJob](t, call(t, session, "forecast_generate_project", map[string]any{"project_id": "PAY"}))
	require.NotEmpty(t, started.ID)

	require.Eventually(t, func() bool {
		res, err := session.CallTool(context.Background(), &sdk.CallToolParams{
			Name:      "forecast_batch_status",
			Arguments: map[string]any{"job_id": started.ID},
		})
		if err != nil || res.IsError {
			return false
		}
		raw, _ := json.Marshal(res.StructuredContent)
		var env envelope
		if json.Unmarshal(raw, &env) != nil {
			return false
		}
		var j forecast.BatchJob
		return json.Unmarshal(env.Data, &j) == nil && j.Status == forecast.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	msg := callErr(t, session, "forecast_batch_status", map[string]any{"job_id": "missing"})
	assert.Contains(t, msg, "not found")
}
