package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file inside the log directory.
const LogFileName = "forecast-mcp.log"

// Init initializes the global logger with dual sinks: os.Stderr and a rotating file.
// Stdout is reserved for the MCP stdio transport.
func Init(verbose bool) {
	// Init runs before config.Load, so LOGS_FOLDER may only exist in the binary's .env.
	exeDir := ""
	if exePath, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exePath)
		_ = godotenv.Load(filepath.Join(exeDir, ".env"))
	}

	logDir := resolveLogDir(os.Getenv("LOGS_FOLDER"), exeDir)
	if err := ensureWritable(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	isTerminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !isTerminal,
	}

	log.Logger = newLogger(verbose, console, newFileWriter(logDir))
}

func newLogger(verbose bool, sinks ...io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		With().
		Timestamp().
		Str("service", "forecast-mcp").
		Logger()
}

func resolveLogDir(configured, exeDir string) string {
	switch {
	case configured != "":
		return configured
	case exeDir != "":
		return filepath.Join(exeDir, "logs")
	default:
		return "logs"
	}
}

// ensureWritable creates dir and proves a file can be written into it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(probe, []byte("test"), 0644); err != nil {
		return fmt.Errorf("log directory %q is not writable: %w", dir, err)
	}
	_ = os.Remove(probe)
	return nil
}

func newFileWriter(dir string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFileName),
		MaxSize:    16, // megabytes
		MaxBackups: 32,
		MaxAge:     365, // days
		Compress:   true,
	}
}
