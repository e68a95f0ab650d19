// Package target provides content-addressed target naming and the
// target-to-path resolution table used when emitting manifests.
//
// A target identifier is derived from a canonical serialization of a
// feature's parameter record, so that two call sites declaring the same
// feature always agree on the identifier, across goroutines, processes,
// and build machines. The identifier doubles as the memoization key for
// feature deduplication and as a stable, human-debuggable name fragment.
package target
