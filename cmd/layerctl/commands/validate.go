package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/antlir-sub004/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration and layer files",
		Long: `Validate the project: CUE syntax and schema conformance, flavor
declarations, and the Starlark layer files. All problems are reported
at once rather than stopping at the first.`,
		Example: `  # Validate the default project files
  layerctl validate

  # Validate an explicit project
  layerctl validate -p ./project.cue -l ./layers.star`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := config.NewLoader()
			parsed, err := loader.Load(ctx, []string{projectPath}, layerFiles)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(parsed); err != nil {
					return err
				}
			} else {
				for _, e := range parsed.Errors {
					if e.File != "" && e.Line > 0 {
						fmt.Fprintf(os.Stderr, "%s:%d:%d: %s\n", e.File, e.Line, e.Column, e.Message)
					} else {
						fmt.Fprintf(os.Stderr, "%s: %s\n", e.Path, e.Message)
					}
				}
			}

			if len(parsed.Errors) > 0 {
				return fmt.Errorf("project has %d validation errors", len(parsed.Errors))
			}

			log.Info().
				Int("layers", len(parsed.Layers)).
				Int("flavors", len(parsed.Project.Flavors)).
				Msg("Project is valid")
			return nil
		},
	}

	return cmd
}
