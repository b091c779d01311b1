// Package cli implements the moodvoice command line.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"moodvoice/internal/config"
	"moodvoice/internal/logger"
)

// Version is set at build time with -ldflags "-X moodvoice/internal/cli.Version=..."
var Version = "dev"

// app holds global flags shared by all commands
type app struct {
	cfgFile   string
	logLevel  string
	dataDir   string
	modelID   string
	modelPath string
	backend   string
	jsonOut   bool
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "moodvoice",
		Short: "Depression severity classification from speech recordings",
		Long: `moodvoice classifies speech recordings into depression severity classes
(Minimal, Moderate, Severe) with a small CNN over log-mel spectrograms.

Recordings are split into 1 second segments, each segment is classified
and the verdict is a majority vote across segments.

Examples:
  # Classify a file
  moodvoice predict interview.wav

  # Run HTTP, WebSocket and gRPC transports
  moodvoice serve --port 8080

  # Create a dev token for the API
  moodvoice token alice
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./moodvoice.yaml or ~/.config/moodvoice/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.dataDir, "data-dir", "", "data directory for history and models")
	flags.StringVar(&a.modelID, "model", "", "model id from the registry")
	flags.StringVar(&a.modelPath, "model-path", "", "explicit model artifact path, overrides --model")
	flags.StringVar(&a.backend, "backend", "", "classifier backend: native or onnx")
	flags.BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		a.serveCmd(),
		a.predictCmd(),
		a.recordCmd(),
		a.mcpCmd(),
		a.modelsCmd(),
		a.tokenCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the config file and applies global flag overrides
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithFallback(a.cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = a.dataDir
		cfg.Model.ModelsDir = filepath.Join(a.dataDir, "models")
	}
	if flags.Changed("model") {
		cfg.Model.ID = a.modelID
	}
	if flags.Changed("model-path") {
		cfg.Model.Path = a.modelPath
	}
	if flags.Changed("backend") {
		cfg.Model.Backend = a.backend
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		Service:     "moodvoice",
		Output:      cfg.Log.Output,
	})
}
