package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	apiURLFlag   string
	logLevelFlag string
	envFileFlag  string
)

// cfg is loaded once by the root command before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rephrase",
	Short: "Rewrite text into several styles at once",
	Long: `rephrase submits text to a rephrase service and streams the rewritten
text for every style in the catalog as it is generated.

Examples:
  rephrase run "can u send me the report asap"
  echo "see you tmrw" | rephrase run --styles casual,polite
  rephrase serve
  rephrase styles
  rephrase history --user <anon-id>`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "rephrase service URL (overrides REPHRASE_API_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "dotenv file to load")
}

func execute() error {
	return rootCmd.Execute()
}

func setup(_ *cobra.Command, _ []string) error {
	level, err := parseLevel(logLevelFlag)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(envFileFlag); err != nil {
		slog.Debug("No .env file found, using environment variables", "path", envFileFlag)
	}
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	if apiURLFlag != "" {
		cfg.APIURL = apiURLFlag
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --api-url: %w", err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
