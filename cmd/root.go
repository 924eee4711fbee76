package cmd

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/docsetter/scanflow/internal/config"
	"github.com/docsetter/scanflow/internal/job"
	"github.com/docsetter/scanflow/internal/pipeline"
	"github.com/docsetter/scanflow/internal/scanner"
	"github.com/docsetter/scanflow/internal/upload"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scanflow",
		Short: "Sheet scanner pipeline with automatic document upload",
		Long: `Scanflow drives a SANE scanner through scanimage, post-processes the
scanned pages, filters out blanks, and uploads the result to a document
management API as a single document.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().String("config", "", "Path to config file")

	// Add subcommands
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInfoCmd())

	return cmd
}

// loadConfig reads the configuration selected by the --config flag and
// installs the logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			slog.Warn("Unable to open log file, logging to stderr only", "file", cfg.File, "err", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// buildPipeline assembles the full scan stack from the configuration.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *scanner.Device, error) {
	log := slog.Default()

	device, err := scanner.NewDevice(cfg.Scanner, scanner.ExecRunner{}, log)
	if err != nil {
		return nil, nil, err
	}

	client := upload.NewClient(cfg.API.URL, cfg.API.Workspace, cfg.API.Token, cfg.API.Timeout(), log)
	jobs := job.NewManager(cfg.Storage, log)
	uploads := upload.NewCoordinator(client, cfg.Upload, log)

	return pipeline.New(cfg, device, jobs, uploads, client, log), device, nil
}
