package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newManifestCommand() *cobra.Command {
	var (
		output string
		format string
	)

	cmd := &cobra.Command{
		Use:   "manifest TARGET",
		Short: "Generate a layer's feature manifest without building",
		Long: `Merge a layer's features into the manifest the compiler would
receive, and print it. No snapshot is allocated and nothing is built;
this is the dry-run view of a build's input.

Manifest generation is deterministic: the same declarations produce a
byte-identical document on every run.`,
		Example: `  # Print a layer's manifest
  layerctl manifest web-server

  # Write it to a file
  layerctl manifest web-server -o manifest.json

  # Print it as YAML for review
  layerctl manifest web-server --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			layer, ok := a.project.Layer(args[0])
			if !ok {
				return fmt.Errorf("layer %q is not declared (known: %v)", args[0], a.project.LayerNames())
			}

			manifest, err := a.orch.Manifests.Build(layer)
			if err != nil {
				return err
			}

			if output != "" {
				return manifest.WriteFile(output)
			}
			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(manifest)
			case "yaml":
				// The manifest's wire format is JSON; the YAML view is a
				// re-rendering of that document, not a second format.
				raw, err := json.Marshal(manifest)
				if err != nil {
					return err
				}
				var doc any
				if err := yaml.Unmarshal(raw, &doc); err != nil {
					return err
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(doc)
			default:
				return fmt.Errorf("unknown format %q (json, yaml)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the manifest to a file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "json", "stdout format (json, yaml)")

	return cmd
}
