package visuals

import (
	"fmt"
	"math"
	"strings"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/graph"
	"forecast-mcp/internal/scenario"
	"forecast-mcp/internal/simulation"
)

// cdfPoints are the quantile grid indices shown on forecast charts.
var cdfPoints = []struct {
	index int
	label string
}{
	{2, "10% (Aggressive)"},
	{6, "30% (Unlikely)"},
	{10, "50% (Coin Toss)"},
	{14, "70% (Probable)"},
	{17, "85% (Likely)"},
	{18, "90% (Conservative)"},
	{19, "95% (Safe)"},
}

// GenerateForecastCDF creates a Mermaid bar chart of the simulated completion
// days at increasing confidence levels.
func GenerateForecastCDF(res simulation.PredictionResult) string {
	maxVal := res.Quantiles[19]
	if maxVal <= 0 {
		return ""
	}

	var labels, values []string
	for _, p := range cdfPoints {
		labels = append(labels, quote(p.label))
		values = append(values, fmt.Sprintf("%.1f", res.Quantiles[p.index]))
	}

	var sb strings.Builder
	sb.WriteString("```mermaid\n")
	sb.WriteString("xychart-beta\n")
	sb.WriteString(fmt.Sprintf("    title \"Completion forecast for %s (Cumulative Probability)\"\n", sanitize(res.TargetID)))
	sb.WriteString(fmt.Sprintf("    x-axis [%s]\n", strings.Join(labels, ", ")))
	sb.WriteString(fmt.Sprintf("    y-axis \"Days from start\" 0 --> %d\n", int(math.Ceil(maxVal*1.1))))
	sb.WriteString(fmt.Sprintf("    bar [%s]\n", strings.Join(values, ", ")))
	sb.WriteString("```")
	return sb.String()
}

// GenerateScenarioChart compares baseline and modified P10/P50/P90 as two bar series.
func GenerateScenarioChart(cmp scenario.Comparison) string {
	b, m := cmp.Baseline.Percentiles, cmp.Modified.Percentiles
	maxVal := math.Max(b.P90, m.P90)
	if maxVal <= 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("```mermaid\n")
	sb.WriteString("xychart-beta\n")
	sb.WriteString(fmt.Sprintf("    title \"Scenario: %s (baseline vs modified)\"\n", sanitize(cmp.Scenario.Name)))
	sb.WriteString("    x-axis [\"P10\", \"P50\", \"P90\"]\n")
	sb.WriteString(fmt.Sprintf("    y-axis \"Days from start\" 0 --> %d\n", int(math.Ceil(maxVal*1.1))))
	sb.WriteString(fmt.Sprintf("    bar [%.1f, %.1f, %.1f]\n", b.P10, b.P50, b.P90))
	sb.WriteString(fmt.Sprintf("    bar [%.1f, %.1f, %.1f]\n", m.P10, m.P50, m.P90))
	sb.WriteString("```")
	return sb.String()
}

// GenerateCriticalPathFlow draws each critical path as a left-to-right chain.
func GenerateCriticalPathFlow(paths []graph.CriticalPath) string {
	if len(paths) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("```mermaid\n")
	sb.WriteString("flowchart LR\n")
	for i, p := range paths {
		sb.WriteString(fmt.Sprintf("    subgraph path%d [\"Path %d: %.1f days\"]\n", i+1, i+1, p.TotalDurationEstimate))
		for j, id := range p.OrderedMemberIDs {
			node := nodeID(id)
			if j == 0 {
				sb.WriteString(fmt.Sprintf("        %s[\"%s\"]\n", node, sanitize(id)))
				continue
			}
			sb.WriteString(fmt.Sprintf("        %s --> %s[\"%s\"]\n", nodeID(p.OrderedMemberIDs[j-1]), node, sanitize(id)))
		}
		sb.WriteString("    end\n")
	}
	sb.WriteString("```")
	return sb.String()
}

// GenerateCommitmentPie creates a Mermaid pie of commitments by status.
func GenerateCommitmentPie(d commitments.Dashboard) string {
	if d.Total == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("```mermaid\n")
	sb.WriteString(fmt.Sprintf("pie title Commitments of %s\n", sanitize(d.ProjectID)))
	for _, st := range commitments.Statuses {
		if n := d.ByStatus[st]; n > 0 {
			sb.WriteString(fmt.Sprintf("    \"%s\" : %d\n", st, n))
		}
	}
	sb.WriteString("```")
	return sb.String()
}

func quote(s string) string {
	return "\"" + s + "\""
}

// sanitize strips characters that break Mermaid labels.
func sanitize(s string) string {
	return strings.NewReplacer("\"", "'", "\n", " ", "[", "(", "]", ")").Replace(s)
}

// nodeID maps an arbitrary work-item id to a Mermaid-safe identifier.
func nodeID(id string) string {
	var sb strings.Builder
	sb.WriteString("n_")
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
