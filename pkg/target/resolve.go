package target

import (
	"fmt"
	"sort"
)

// Ref names another build output whose on-disk location the compiler
// needs. Layer refs resolve to a published volume; plain refs resolve to
// an ordinary build artifact path.
type Ref struct {
	// Target is the opaque target identifier (e.g. "//os:base" or a
	// generated feature target name).
	Target string `json:"target"`

	// Layer marks refs that must resolve to a published layer volume
	// rather than a regular artifact.
	Layer bool `json:"layer,omitempty"`
}

// ResolutionTable maps target identifiers to absolute filesystem paths.
// The orchestrator's caller supplies it before manifest emission; an
// unresolved reference is fatal at manifest-build time, never deferred
// to the compiler.
type ResolutionTable map[string]string

// Resolve returns the path for a target, or an error naming both the
// missing target and the known table keys so the declaration can be
// fixed.
func (rt ResolutionTable) Resolve(ref Ref) (string, error) {
	path, ok := rt[ref.Target]
	if !ok {
		known := make([]string, 0, len(rt))
		for t := range rt {
			known = append(known, t)
		}
		sort.Strings(known)
		return "", fmt.Errorf("unresolved target reference %q (known targets: %v)", ref.Target, known)
	}
	return path, nil
}
