package flavor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/facebookincubator/antlir-sub004/pkg/feature"
)

// CoverageConfig names the flavor set a package-installing feature set
// must cover. The excluded set exists because some flavors (e.g. a
// test-only preset) intentionally never carry production package
// pinning; which flavors those are is a policy decision made in project
// configuration, not in code.
type CoverageConfig struct {
	// RequiredFlavors lists the flavors that must each be covered by at
	// least one package-install feature. Defaults to every flavor the
	// build knows about when a layer does not narrow its flavor set.
	RequiredFlavors []string

	// ExcludedFlavors are removed from RequiredFlavors before checking.
	ExcludedFlavors []string
}

// CoverageError lists every uncovered flavor in one report.
type CoverageError struct {
	Missing []string
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf(
		"package-install features do not cover these required flavors: %s; "+
			"add a version_set_by_flavor entry for each, or narrow the layer's flavor set",
		strings.Join(e.Missing, ", "),
	)
}

// ValidateRPMCoverage checks that when the merged feature set performs
// any package install, every required flavor is declared by at least
// one installing feature. An installing feature with an empty
// version-set map applies to all flavors and satisfies everything.
//
// The check runs before the compiler is invoked and reports all missing
// flavors at once rather than failing on the first.
func ValidateRPMCoverage(nodes []*feature.Node, cfg CoverageConfig) error {
	required := make(map[string]bool, len(cfg.RequiredFlavors))
	for _, f := range cfg.RequiredFlavors {
		required[f] = true
	}
	for _, f := range cfg.ExcludedFlavors {
		delete(required, f)
	}
	if len(required) == 0 {
		return nil
	}

	installing := false
	covered := make(map[string]bool)
	coversAll := false
	for _, node := range nodes {
		params, ok := node.Feature.Params().(feature.RPMParams)
		if !ok || params.Action != feature.RPMInstall {
			continue
		}
		installing = true
		if len(params.VersionSetByFlavor) == 0 {
			coversAll = true
			continue
		}
		for flavorName := range params.VersionSetByFlavor {
			covered[flavorName] = true
		}
	}
	if !installing || coversAll {
		return nil
	}

	var missing []string
	for flavorName := range required {
		if !covered[flavorName] {
			missing = append(missing, flavorName)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &CoverageError{Missing: missing}
}
