package depgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/facebookincubator/antlir-sub004/pkg/feature"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

// Manifest is the flattened, ordered document submitted to the external
// compiler. Serialization is deterministic: features keep deduplicated
// registration order, and the resolved-path map is emitted with sorted
// keys, so identical layer declarations yield byte-identical manifests
// across processes.
type Manifest struct {
	// Target is the layer's target identity, used by the compiler for
	// logging only.
	Target string `json:"target"`

	// Flavor is the resolved effective flavor name.
	Flavor string `json:"flavor"`

	// Features is the ordered, deduplicated, flavor-filtered feature
	// list.
	Features []feature.Feature `json:"features"`

	// ParentLink is the synthetic feature referencing the immediate
	// parent's published volume, absent for root layers and for
	// children of build-appliance boundaries.
	ParentLink *feature.Feature `json:"parent_link,omitempty"`

	// Paths resolves every target referenced by Features and
	// ParentLink to an absolute filesystem path.
	Paths map[string]string `json:"paths"`
}

// Builder merges layers into manifests. It carries the build-wide
// context a single merge needs: the known flavors, the coverage policy,
// and the target resolution table.
type Builder struct {
	Flavors    *flavor.Registry
	Coverage   flavor.CoverageConfig
	Resolution target.ResolutionTable
}

// Build produces the manifest for a layer. It performs no filesystem
// mutation; every configuration and resolution error is detected here,
// before the snapshot lifecycle begins.
func (b *Builder) Build(layer *Layer) (*Manifest, error) {
	effective, err := layer.EffectiveFlavor()
	if err != nil {
		return nil, err
	}
	if _, err := b.Flavors.Get(effective); err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer.Target, err)
	}

	reg := feature.NewRegistry()
	if _, err := reg.Register(layer.Features); err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer.Target, err)
	}

	// Coverage is checked against the declared (unfiltered) features:
	// a feature declaring version sets for several flavors covers all
	// of them even though the emitted manifest keeps only the
	// effective one.
	required := layer.FlavorSet
	if len(required) == 0 {
		required = []string{effective}
	}
	if err := flavor.ValidateRPMCoverage(reg.Nodes(), flavor.CoverageConfig{
		RequiredFlavors: required,
		ExcludedFlavors: b.Coverage.ExcludedFlavors,
	}); err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer.Target, err)
	}

	manifest := &Manifest{
		Target: layer.Target,
		Flavor: effective,
		Paths:  map[string]string{},
	}

	// A child depends on its immediate parent's published output only;
	// ancestor feature lists are never re-walked. That keeps
	// dependency cost proportional to chain length and lets a parent
	// be swapped for any layer with the same published interface.
	if layer.Parent != nil && !layer.Parent.BuildAppliance {
		link := feature.MustNew(feature.ParentLayerParams{
			Volume: target.Ref{Target: layer.Parent.Target, Layer: true},
		})
		manifest.ParentLink = &link
	}

	for _, node := range reg.Nodes() {
		f := node.Feature
		if params, ok := f.Params().(feature.RPMParams); ok && len(params.VersionSetByFlavor) > 0 {
			filtered, err := filterVersionSets(params, effective)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", layer.Target, err)
			}
			f = filtered
		}
		manifest.Features = append(manifest.Features, f)
	}

	if err := b.resolvePaths(manifest); err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer.Target, err)
	}
	return manifest, nil
}

// filterVersionSets narrows an RPM feature's flavor-to-version-set map
// to the effective flavor. Version-set references for filtered-out
// flavors are dropped along with their map entries, so irrelevant
// package-snapshot targets are never pulled into the dependency set.
func filterVersionSets(params feature.RPMParams, effective string) (feature.Feature, error) {
	filtered := params
	filtered.VersionSetByFlavor = nil
	if ref, ok := params.VersionSetByFlavor[effective]; ok {
		filtered.VersionSetByFlavor = map[string]target.Ref{effective: ref}
	}
	return feature.New(filtered)
}

// resolvePaths fills the manifest's path table from the resolution
// table. Any unresolved reference fails the whole merge.
func (b *Builder) resolvePaths(m *Manifest) error {
	collect := func(f feature.Feature) error {
		for _, refs := range []map[string]target.Ref{f.Sources(), f.Deps()} {
			for _, ref := range refs {
				path, err := b.Resolution.Resolve(ref)
				if err != nil {
					return fmt.Errorf("feature %s: %w", f.Kind(), err)
				}
				m.Paths[ref.Target] = path
			}
		}
		return nil
	}
	for _, f := range m.Features {
		if err := collect(f); err != nil {
			return err
		}
	}
	if m.ParentLink != nil {
		if err := collect(*m.ParentLink); err != nil {
			return err
		}
	}
	return nil
}

// Digest returns the content digest of the serialized manifest. Equal
// manifests digest identically regardless of which process produced
// them.
func (m *Manifest) Digest() string {
	return string(target.Digest(m))
}

// WriteFile serializes the manifest and writes it atomically next to
// its final location: temp file, then rename.
func (m *Manifest) WriteFile(path string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest for %s: %w", m.Target, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.Target, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest for %s: %w", m.Target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.Target, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.Target, err)
	}
	return nil
}
