package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"forecast-mcp/cmd/mockgen/engine"
)

func main() {
	scenario := flag.String("scenario", "mild", "Scenario to generate: mild, chaos, drift")
	distribution := flag.String("distribution", "uniform", "Distribution to use: uniform, weibull")
	out := flag.String("out", "./.cache/fixture.yaml", "Output fixture file (use as WORKITEMS_FIXTURE)")
	project := flag.String("project", "MCSTEST", "Project key")
	count := flag.Int("count", 30, "Number of graph items to generate")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	cfg := engine.GeneratorConfig{
		Project:      *project,
		Scenario:     *scenario,
		Distribution: *distribution,
		Count:        *count,
		Seed:         *seed,
		Now:          time.Now(),
	}

	fmt.Printf("Generating scenario '%s' (Distribution: %s, Count: %d) to %s...\n", cfg.Scenario, cfg.Distribution, cfg.Count, *out)

	if err := engine.Save(*out, engine.Generate(cfg)); err != nil {
		fmt.Printf("Failed to save mock data: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Done.")
}
