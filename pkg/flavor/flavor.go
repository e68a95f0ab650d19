// Package flavor defines build-environment presets and the rules for
// resolving which preset a layer builds under.
//
// A flavor bundles the defaults a build environment implies: the build
// appliance layer the compiler runs inside, the package-repository
// snapshot packages come from, and per-flavor version-set overrides.
// Layers reference flavors by stable name, never inline.
package flavor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

// Flavor is one build-environment preset.
type Flavor struct {
	// Name is the stable label layers use to reference this flavor.
	Name string `json:"name" validate:"required"`

	// BuildAppliance references the layer the compiler runs inside by
	// default for this flavor.
	BuildAppliance target.Ref `json:"build_appliance"`

	// RepoSnapshot locates the package-repository snapshot for this
	// flavor's package transactions.
	RepoSnapshot string `json:"repo_snapshot,omitempty"`

	// VersionSet optionally references the default version-set target
	// pinning package versions under this flavor.
	VersionSet *target.Ref `json:"version_set,omitempty"`
}

// ErrMissingFlavor is returned when a layer has no parent and declares
// no flavor of its own.
var ErrMissingFlavor = errors.New("layer declares no flavor and has no parent to inherit one from")

// MismatchError reports a layer whose declared flavor contradicts its
// parent's. Both names are carried so the user can fix either side.
type MismatchError struct {
	LayerFlavor  string
	ParentFlavor string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"layer flavor %q conflicts with parent flavor %q; omit the layer's flavor to inherit, or make them match",
		e.LayerFlavor, e.ParentFlavor,
	)
}

// Resolve determines a layer's effective flavor name from its own
// declaration and its parent's resolved flavor. Empty string means
// "not declared".
//
// Neither given fails with ErrMissingFlavor. One given wins. Both given
// must name the same flavor or the call fails with *MismatchError.
func Resolve(layerFlavor, parentFlavor string) (string, error) {
	switch {
	case layerFlavor == "" && parentFlavor == "":
		return "", ErrMissingFlavor
	case layerFlavor == "":
		return parentFlavor, nil
	case parentFlavor == "":
		return layerFlavor, nil
	case layerFlavor != parentFlavor:
		return "", &MismatchError{LayerFlavor: layerFlavor, ParentFlavor: parentFlavor}
	default:
		return layerFlavor, nil
	}
}

// Registry holds the flavors known to one build, keyed by name.
type Registry struct {
	flavors map[string]Flavor
}

// NewRegistry indexes the given flavors. Duplicate names are an error.
func NewRegistry(flavors []Flavor) (*Registry, error) {
	byName := make(map[string]Flavor, len(flavors))
	for _, f := range flavors {
		if f.Name == "" {
			return nil, fmt.Errorf("flavor with empty name")
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate flavor %q", f.Name)
		}
		byName[f.Name] = f
	}
	return &Registry{flavors: byName}, nil
}

// Get looks a flavor up by name.
func (r *Registry) Get(name string) (Flavor, error) {
	f, ok := r.flavors[name]
	if !ok {
		return Flavor{}, fmt.Errorf("unknown flavor %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f, nil
}

// Names returns all flavor names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.flavors))
	for name := range r.flavors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
