package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		targetFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show build history",
		Long: `List past builds recorded in the history database, newest first.

Requires history_db to be configured in the project.`,
		Example: `  # Show recent builds
  layerctl history

  # Show builds of one target
  layerctl history --target web-server --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.history == nil {
				return fmt.Errorf("history is not configured (set history_db in the project)")
			}

			builds, err := a.history.ListBuilds(ctx, targetFilter, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(builds)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTARGET\tFLAVOR\tVERSION\tSTATUS\tBUILD ID")
			for _, b := range builds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					b.StartedAt.Format("2006-01-02 15:04:05"),
					b.Target, b.Flavor, b.Version, b.Status, b.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&targetFilter, "target", "", "only show builds of this target")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of builds to show")

	return cmd
}
