package engine

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"forecast-mcp/internal/workitems"
)

type GeneratorConfig struct {
	Project      string
	Scenario     string // "mild", "chaos" or "drift"
	Distribution string // "uniform" or "weibull"
	Count        int    // graph items
	Seed         int64
	Now          time.Time
}

// Generate builds a synthetic project: a random dependency DAG plus one
// target of every type.
func Generate(cfg GeneratorConfig) workitems.Fixture {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	if cfg.Project == "" {
		cfg.Project = "MCSTEST"
	}
	if cfg.Count < 3 {
		cfg.Count = 3
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	start := time.Date(cfg.Now.Year(), cfg.Now.Month(), cfg.Now.Day(), 0, 0, 0, 0, time.UTC)

	graph := workitems.GraphDTO{
		ProjectID: cfg.Project,
		StartDate: start.Format(time.DateOnly),
	}

	// finish[i] is a naive serial estimate used to place committed dates.
	finish := make([]float64, cfg.Count)
	var total float64
	for i := 0; i < cfg.Count; i++ {
		id := itemID(cfg.Project, i)
		hours := sampleComplexity(rng, cfg, i)
		total += hours

		var ready float64
		if i > 0 {
			// Each item depends on one or two earlier items, which keeps the graph acyclic.
			deps := 1 + rng.Intn(2)
			seen := map[int]bool{}
			for d := 0; d < deps; d++ {
				from := rng.Intn(i)
				if seen[from] {
					continue
				}
				seen[from] = true
				graph.Edges = append(graph.Edges, workitems.EdgeDTO{From: itemID(cfg.Project, from), To: id})
				ready = math.Max(ready, finish[from])
			}
		}
		finish[i] = ready + hours/6

		item := workitems.GraphItemDTO{
			ID:                  id,
			Title:               fmt.Sprintf("Work item %d", i+1),
			Status:              "To Do",
			RemainingComplexity: round1(hours),
		}
		if i%5 == 4 {
			slack := 1 + rng.Float64()*0.3
			item.CommittedDate = start.AddDate(0, 0, int(math.Ceil(finish[i]*slack))).Format(time.DateOnly)
		}
		graph.Items = append(graph.Items, item)
	}

	firstThird := 0.0
	for _, it := range graph.Items[:cfg.Count/3+1] {
		firstThird += it.RemainingComplexity
	}
	sprintDeps, milestoneDeps := 2, 3

	last := graph.Items[cfg.Count-1]
	var inbound []workitems.EdgeDTO
	for _, e := range graph.Edges {
		if e.To == last.ID {
			inbound = append(inbound, e)
		}
	}

	targets := []workitems.TargetDTO{
		{
			ID:                  last.ID,
			Title:               last.Title,
			Type:                string(workitems.Issue),
			Status:              "In Progress",
			RemainingComplexity: last.RemainingComplexity,
			StartDate:           start.Format(time.DateOnly),
			Dependencies:        inbound,
		},
		{
			ID:                  "SPRINT-1",
			Title:               "Sprint 1",
			Type:                string(workitems.Sprint),
			Status:              "Active",
			RemainingComplexity: round1(firstThird),
			DependencyCount:     &sprintDeps,
			StartDate:           start.Format(time.DateOnly),
			DueDate:             start.AddDate(0, 0, 14).Format(time.DateOnly),
		},
		{
			ID:                  "M-1",
			Title:               "Release",
			Type:                string(workitems.Milestone),
			Status:              "Planned",
			RemainingComplexity: round1(total),
			StartDate:           start.Format(time.DateOnly),
			DependencyCount:     &milestoneDeps,
			DueDate:             start.AddDate(0, 0, int(math.Ceil(total/6*1.1))).Format(time.DateOnly),
		},
		{
			ID:                  "FG-1",
			Title:               "Feature group",
			Type:                string(workitems.FeatureGroup),
			Status:              "Planned",
			RemainingComplexity: round1(total - firstThird),
			StartDate:           start.Format(time.DateOnly),
		},
	}

	return workitems.Fixture{Projects: []workitems.ProjectFixture{{
		ID:      cfg.Project,
		Targets: targets,
		Graph:   graph,
	}}}
}

// sampleComplexity returns remaining hours for item i.
func sampleComplexity(rng *rand.Rand, cfg GeneratorConfig, i int) float64 {
	k, lambda := 2.5, 16.0 // mild: ~14h median
	switch cfg.Scenario {
	case "chaos":
		k = 0.8
	case "drift":
		ratio := float64(i) / float64(cfg.Count)
		k = 2.5 - 1.7*ratio
		lambda = 16 + 8*ratio
	}

	var hours float64
	if cfg.Distribution == "weibull" {
		hours = weibullSample(rng, k, lambda)
	} else {
		hours = 6 + rng.Float64()*24
		if cfg.Scenario == "chaos" && rng.Float64() < 0.2 {
			hours += 40 + rng.Float64()*60 // black swans
		}
		if cfg.Scenario == "drift" && i > cfg.Count/2 {
			hours *= 2
		}
	}
	return math.Max(hours, 1)
}

func weibullSample(rng *rand.Rand, k, lambda float64) float64 {
	u := rng.Float64()
	if u == 0 {
		u = 0.0001
	}
	// X = lambda * (-ln(1-u))^(1/k)
	return lambda * math.Pow(-math.Log(1.0-u), 1.0/k)
}

func itemID(project string, i int) string {
	return fmt.Sprintf("%s-%d", project, i+1)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Save writes the fixture as YAML, readable by workitems.LoadFixture.
func Save(path string, fx workitems.Fixture) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(fx)
	if err != nil {
		return fmt.Errorf("failed to encode fixture: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
