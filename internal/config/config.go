package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/workitems"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AppConfig holds the complete application configuration.
type AppConfig struct {
	WorkItems workitems.Config
	// FixturePath, when set, serves work items from a local YAML file instead of the HTTP API.
	FixturePath string

	Policy     policy.Policy
	PolicyFile string

	DataPath     string
	LogDir       string
	CacheDir     string
	DatabasePath string

	CacheSize        int
	BatchParallelism int
	ProviderTimeout  time.Duration
	MetricsAddr      string

	EnableMermaidCharts bool
}

// Load loads the configuration from .env files and environment variables.
func Load() (*AppConfig, error) {
	// 1. Try to load from the executable's directory (highest priority for MCP servers)
	exePath, err := os.Executable()
	exeDir := ""
	if err == nil {
		exeDir = filepath.Dir(exePath)
		envPath := filepath.Join(exeDir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded configuration from binary directory")
		}
	}

	// 2. Fallback to current working directory (useful for development/go run)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found in working directory, relying on environment variables or binary-relative .env")
	}

	// 3. Resolve Data Paths
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		if exeDir != "" {
			dataPath = exeDir
		} else {
			dataPath = "."
		}
	}

	return FromEnv(dataPath)
}

// FromEnv builds the configuration from the process environment alone.
func FromEnv(dataPath string) (*AppConfig, error) {
	logDir := filepath.Join(dataPath, "logs")
	cacheDir := filepath.Join(dataPath, "cache")

	// Ensure directories exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Warn().Err(err).Str("path", logDir).Msg("Failed to create log directory")
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Warn().Err(err).Str("path", cacheDir).Msg("Failed to create cache directory")
	}

	policyFile := getEnv("FORECAST_POLICY_FILE", "")
	pol, err := policy.Load(policyFile)
	if err != nil {
		return nil, err
	}
	if hours := getEnvInt("FORECAST_FRESHNESS_HOURS", 0); hours > 0 {
		pol.Cache.Freshness = policy.Duration(time.Duration(hours) * time.Hour)
	}
	if trials := getEnvInt("FORECAST_TRIALS", 0); trials > 0 {
		pol.Simulation.Trials = trials
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forecasting policy: %w", err)
	}

	timeoutSecs := getEnvInt("WORKITEMS_TIMEOUT_SECONDS", 10)

	cfg := &AppConfig{
		WorkItems: workitems.Config{
			BaseURL:           getEnv("WORKITEMS_URL", ""),
			Token:             getEnv("WORKITEMS_TOKEN", ""),
			RequestTimeout:    time.Duration(timeoutSecs) * time.Second,
			RequestsPerSecond: getEnvFloat("WORKITEMS_RPS", 5),
			Burst:             getEnvInt("WORKITEMS_BURST", 10),
		},
		FixturePath:      getEnv("WORKITEMS_FIXTURE", ""),
		Policy:           pol,
		PolicyFile:       policyFile,
		DataPath:         dataPath,
		LogDir:           logDir,
		CacheDir:         cacheDir,
		DatabasePath:     getEnv("FORECAST_DB_PATH", filepath.Join(dataPath, "forecast.db")),
		CacheSize:        getEnvInt("FORECAST_CACHE_SIZE", 4096),
		BatchParallelism: getEnvInt("FORECAST_BATCH_PARALLELISM", 4),
		ProviderTimeout:  time.Duration(timeoutSecs) * time.Second,
		MetricsAddr:      getEnv("METRICS_ADDR", ""),

		EnableMermaidCharts: getEnvBool("ENABLE_MERMAID_CHARTS", false),
	}

	if cfg.WorkItems.BaseURL == "" && cfg.FixturePath == "" {
		return nil, fmt.Errorf("either WORKITEMS_URL or WORKITEMS_FIXTURE must be set")
	}
	return cfg, nil
}

// Provider builds the work-item provider the configuration points at.
func (c *AppConfig) Provider() (workitems.Provider, error) {
	if c.FixturePath != "" {
		return workitems.LoadFixture(c.FixturePath)
	}
	return workitems.NewClient(c.WorkItems), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-integer environment value")
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-numeric environment value")
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}
