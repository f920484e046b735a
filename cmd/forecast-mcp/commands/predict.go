package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"forecast-mcp/internal/forecast"
	"forecast-mcp/internal/workitems"

	"github.com/spf13/cobra"
)

var (
	projectID  string
	targetID   string
	targetType string
	force      bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Forecast a single target and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		tt, err := workitems.ParseTargetType(targetType)
		if err != nil {
			return err
		}
		lookup, err := service.Predict(cmd.Context(), forecast.Target{
			ProjectID:  projectID,
			TargetID:   targetID,
			TargetType: tt,
		}, forecast.PredictOptions{Force: force, RequestedBy: "cli"})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), lookup)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Forecast every target of a project and print the job summary as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := service.RunProjectBatch(cmd.Context(), projectID, force)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "forecast-mcp %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	predictCmd.Flags().StringVar(&projectID, "project", "", "project key")
	predictCmd.Flags().StringVar(&targetID, "target", "", "target id")
	predictCmd.Flags().StringVar(&targetType, "type", "issue", "target type: issue, sprint, milestone, feature_group")
	predictCmd.Flags().BoolVar(&force, "force", false, "ignore the cached forecast")
	_ = predictCmd.MarkFlagRequired("project")
	_ = predictCmd.MarkFlagRequired("target")

	generateCmd.Flags().StringVar(&projectID, "project", "", "project key")
	generateCmd.Flags().BoolVar(&force, "force", false, "ignore cached forecasts")
	_ = generateCmd.MarkFlagRequired("project")
}
