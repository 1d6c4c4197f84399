package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
)

var (
	// Global flags
	verbose     bool
	contextName string
	configPath  string

	// Global configuration (loaded on first use)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "vcbook",
	Short: "Weighted codebook voice conversion",
	Long: `vcbook - train and apply weighted codebooks for voice conversion.

A codebook pairs source and target speaker features (LSF or MFCC
envelopes, F0, energy and duration) extracted from parallel recordings.
Transformation blends the best matching entries for every source frame.

Artifacts are published to the store of the active context: a local
directory or an S3 bucket. Configuration is stored in ~/.vcbook/config.yaml.

Examples:
  # Create a context and make it current
  vcbook config add-context dev --store-dir ~/voices --cache-dir ~/.vcbook/cache
  vcbook config use-context dev

  # Train and inspect a codebook
  vcbook train -f train.yaml
  vcbook inspect voices/alice.bin --jq '.header'

  # Convert utterances
  vcbook transform -f map.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name (default: current context)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.vcbook/config.yaml)")
}

// GetConfig returns the global configuration.
func GetConfig() (*cli.Config, error) {
	if globalConfig == nil {
		cfg, err := cli.LoadConfigWithPath(configPath)
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// currentContext resolves the --context flag.
func currentContext() (*cli.Context, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return cfg.ResolveContext(contextName)
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
