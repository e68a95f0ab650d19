// Package subvol manages the on-disk lifecycle of layer snapshots:
// versioned wrapper directories, refcount liveness markers, atomic
// publication of "current" pointers, and crash-safe garbage collection.
//
// The design deliberately encodes refcounting in the filesystem rather
// than a transactional store. Liveness of a snapshot is the hardlink
// count of its refcount file: the build output JSON is created first
// and hardlinked into a refcounts directory the manager owns, so a
// wrapper whose refcount has fewer than two links is provably
// unreferenced. Atomic filesystem primitives (exclusive create,
// hardlink, rename) are the transaction boundaries, which keeps the
// protocol correct across killed builds and concurrent processes.
//
// Layout under the build root:
//
//	subvols/<name>:<version>/volume   the snapshot wrapper + volume
//	subvols/.version                  the monotonic version counter
//	refcounts/<name>:<version>.json   hardlinked liveness marker
//	outputs/<name>.json               per-target build output record
//	current/<name>                    symlink to the live volume
//
// Ordering rules shared by writers and the garbage collector:
// a build creates its refcount link before its wrapper directory, and
// GC enumerates wrappers before refcounts. Together these guarantee GC
// can never observe a wrapper whose freshly-created refcount it missed.
package subvol
