package depgraph

import (
	"fmt"

	"github.com/facebookincubator/antlir-sub004/pkg/feature"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
)

// Layer is a named, flavor-bound, optionally-parented collection of
// features that compiles to one filesystem snapshot. A layer borrows
// its parent and never mutates it.
type Layer struct {
	// Target is the layer's stable target identity (e.g. "//os:base").
	Target string

	// Parent is the immediate parent layer, or nil for a root layer.
	Parent *Layer

	// Flavor is the declared flavor name; empty means inherit from the
	// parent. A root layer must declare one.
	Flavor string

	// FlavorSet optionally narrows the flavors this layer's
	// package-install features must cover. Empty means every flavor
	// known to the build.
	FlavorSet []string

	// BuildAppliance marks the layer as an opaque black-box base: its
	// feature history is hidden, and children do not link to its
	// volume through a parent-link feature.
	BuildAppliance bool

	// Features is the layer's own declared feature tree.
	Features feature.Tree
}

// EffectiveFlavor resolves the layer's flavor against its ancestry.
// Every ancestor pair is checked, so a mismatch anywhere up the chain
// surfaces even when the leaf layer itself omits a declaration.
func (l *Layer) EffectiveFlavor() (string, error) {
	parentFlavor := ""
	if l.Parent != nil {
		pf, err := l.Parent.EffectiveFlavor()
		if err != nil {
			return "", fmt.Errorf("parent %s: %w", l.Parent.Target, err)
		}
		parentFlavor = pf
	}
	resolved, err := flavor.Resolve(l.Flavor, parentFlavor)
	if err != nil {
		return "", fmt.Errorf("layer %s: %w", l.Target, err)
	}
	return resolved, nil
}
