package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	projectPath string
	layerFiles  []string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "layerctl",
		Short: "layerctl - OS image layer build orchestrator",
		Long: `layerctl builds OS image layers from declarative descriptions.

A project pairs a CUE configuration (build root, flavors, target
resolution) with Starlark layer files declaring the layers themselves.
layerctl merges each layer's features into a deterministic manifest,
hands it to the compiler inside a freshly allocated snapshot, and
publishes the result atomically. Superseded and abandoned snapshots
are reclaimed by the garbage collector.

Features:
  - Typed project config via CUE
  - Layer declarations via Starlark
  - Content-addressed feature deduplication
  - Crash-safe snapshot lifecycle with filesystem refcounts
  - Build history in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "project.cue", "project config file or directory")
	rootCmd.PersistentFlags().StringSliceVarP(&layerFiles, "layers", "l", []string{"layers.star"}, "layer declaration files")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newGCCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
