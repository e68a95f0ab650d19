package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/antlir-sub004/pkg/config"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch TARGET",
		Short: "Rebuild a layer whenever its declarations change",
		Long: `Watch the project and layer files and rebuild the target after
every change. Builds are debounced, a burst of edits triggers one
rebuild. Runs until interrupted.`,
		Example: `  # Rebuild web-server on every edit
  layerctl watch web-server`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			targetName := args[0]

			// Validate once up front so a typo fails fast.
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			if _, ok := a.project.Layer(targetName); !ok {
				a.close(ctx)
				return fmt.Errorf("layer %q is not declared (known: %v)", targetName, a.project.LayerNames())
			}
			a.close(ctx)

			rebuild := func() error {
				// Reload from scratch so edits to flavors and targets
				// take effect, not just feature changes.
				a, err := loadApp(ctx)
				if err != nil {
					return err
				}
				defer a.close(ctx)

				layer, ok := a.project.Layer(targetName)
				if !ok {
					return fmt.Errorf("layer %q disappeared from the project", targetName)
				}
				result, err := a.orch.Build(ctx, layer)
				if err != nil {
					return err
				}
				log.Info().
					Str("target", result.Target).
					Uint64("version", result.Version).
					Msg("Rebuilt")
				return nil
			}

			if err := rebuild(); err != nil {
				log.Error().Err(err).Msg("Initial build failed")
			}

			watcher := config.NewWatcher(log.Logger)
			paths := append([]string{projectPath}, layerFiles...)
			if err := watcher.Watch(ctx, paths, rebuild); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	return cmd
}
