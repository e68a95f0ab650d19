// Package depgraph merges a layer's deduplicated features with its
// inherited context into the single ordered manifest handed to the
// external compiler.
//
// Merging is pure: it resolves the effective flavor, collapses
// duplicate features, synthesizes the parent-link feature, filters
// per-flavor package version sets, runs the coverage check, and
// resolves every referenced target to an on-disk path. Any failure is
// reported before a single filesystem mutation happens; the only output
// is the manifest value (optionally written to one file).
package depgraph
