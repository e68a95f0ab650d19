package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
)

func newBuildCommand() *cobra.Command {
	var withParents bool

	cmd := &cobra.Command{
		Use:   "build TARGET",
		Short: "Build a layer and publish its snapshot",
		Long: `Build one declared layer: merge its features into a manifest, run
the compiler in a freshly allocated snapshot, and publish the result.

The previous snapshot of the target is superseded the moment the new
one is allocated; it becomes garbage once the build publishes. With
--with-parents, unpublished ancestors are built first, root to leaf.`,
		Example: `  # Build a single layer
  layerctl build web-server

  # Build a layer and any unpublished ancestors
  layerctl build web-server --with-parents`,
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

			chain := []*depgraph.Layer{layer}
			if withParents {
				chain = parentChain(layer, a)
			}

			for _, l := range chain {
				result, err := a.orch.Build(ctx, l)
				if err != nil {
					return err
				}
				a.refreshResolution()

				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if err := enc.Encode(result); err != nil {
						return err
					}
				} else {
					fmt.Printf("published %s version %d at %s\n", result.Target, result.Version, result.VolumePath)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withParents, "with-parents", false, "build unpublished ancestors first")

	return cmd
}

// parentChain returns the layers to build, outermost unpublished
// ancestor first. Already-published ancestors are kept as-is.
func parentChain(layer *depgraph.Layer, a *app) []*depgraph.Layer {
	var chain []*depgraph.Layer
	for l := layer; l != nil; l = l.Parent {
		if l != layer {
			if _, err := a.snapshots.Current(l.Target); err == nil {
				log.Debug().Str("target", l.Target).Msg("ancestor already published, skipping")
				break
			}
		}
		chain = append([]*depgraph.Layer{l}, chain...)
	}
	return chain
}
