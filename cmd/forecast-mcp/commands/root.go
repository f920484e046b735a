package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/config"
	"forecast-mcp/internal/forecast"
	"forecast-mcp/internal/logging"
	"forecast-mcp/internal/mcp"
	"forecast-mcp/internal/metrics"
	"forecast-mcp/internal/predictions"
	"forecast-mcp/internal/simulation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose bool
	cfg     *config.AppConfig

	registry    *prometheus.Registry
	service     *forecast.Service
	commitStore *commitments.Store
)

var rootCmd = &cobra.Command{
	Use:   "forecast-mcp",
	Short: "forecast-mcp is a delivery forecasting MCP server",
	Long: `A specialized MCP Server that forecasts when issues, sprints, milestones and feature groups complete
using Monte-Carlo simulation, analyzes dependency graphs, evaluates what-if scenarios and tracks
delivery commitments against the latest forecast.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose)

		// Load configuration
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		log.Info().
			Str("version", Version).
			Str("commit", Commit).
			Str("buildDate", BuildDate).
			Msg("forecast-mcp starting")

		return buildService()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if service != nil {
			service.Close()
		}
		if commitStore != nil {
			if err := commitStore.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close commitment store")
			}
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.MetricsAddr != "" {
			stop := serveMetrics(cfg.MetricsAddr)
			defer stop()
		}
		return mcp.NewServer(service, mcp.Options{
			Version:             Version,
			EnableMermaidCharts: cfg.EnableMermaidCharts,
		}).Start(ctx)
	},
}

func buildService() error {
	provider, err := cfg.Provider()
	if err != nil {
		return err
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := predictions.New(predictions.Config{
		Size:        cfg.CacheSize,
		TTL:         time.Duration(cfg.Policy.Cache.Freshness),
		SnapshotDir: cfg.CacheDir,
		Observer:    m,
	})
	if err != nil {
		return err
	}

	commitStore, err = commitments.Open(cfg.DatabasePath, cfg.Policy.Risk)
	if err != nil {
		return err
	}

	service = forecast.New(forecast.Deps{
		Provider:    provider,
		Engine:      simulation.NewEngine(cfg.Policy),
		Store:       store,
		Commitments: commitStore,
		Metrics:     m,
	}, forecast.Config{
		Policy:           cfg.Policy,
		ProviderTimeout:  cfg.ProviderTimeout,
		BatchParallelism: cfg.BatchParallelism,
	})
	return nil
}

// serveMetrics exposes /metrics until the returned stop function is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics listener starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics listener failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.AddCommand(predictCmd, generateCmd, versionCmd)
}
