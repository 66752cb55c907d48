package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// cliVersion is set by Execute for telemetry identification.
	cliVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor - CI/CD Workflow Orchestration Engine",
		Long: `Conveyor executes CI/CD workflows defined in YAML documents.

Features:
  - Matrix expansion with include/exclude rules
  - Dependency-ordered scheduling with fail-fast
  - Conditional execution via ` + "`${{ }}`" + ` expressions
  - Keyed build cache and run-scoped artifact store
  - Environment approval gates with branch protection
  - Run history with queryable past runs`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newExpandCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// loadConfig loads the configuration from --config, conveyor.yaml in the
// working directory, or defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat("conveyor.yaml"); err == nil {
		return config.Load("conveyor.yaml")
	}

	cfg := config.Default()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
