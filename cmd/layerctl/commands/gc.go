package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGCCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim dead snapshots from the build root",
		Long: `Run one garbage collection pass over the build root.

A snapshot is dead when nothing references it: its refcount marker has
fewer than two hardlinks. The pass is fail-closed, anything it cannot
classify with certainty is skipped and logged. If another process
holds the build root lock the pass is a no-op.`,
		Example: `  # Collect garbage
  layerctl gc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			stats, err := a.orch.CollectGarbage(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Printf("examined %d wrappers: %d reclaimed, %d skipped\n",
				stats.Examined, stats.Reclaimed, stats.Skipped)
			return nil
		},
	}

	return cmd
}
