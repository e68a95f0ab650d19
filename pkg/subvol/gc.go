package subvol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// GCStats summarizes one collection pass.
type GCStats struct {
	// Examined is the number of wrapper directories considered.
	Examined int
	// Reclaimed is the number of wrappers deleted.
	Reclaimed int
	// Skipped counts wrappers left alone because their state could
	// not be proven dead.
	Skipped int
}

// ErrGCContended reports that another process holds the build root
// lock; the caller should treat the pass as a no-op, not a failure.
var ErrGCContended = errors.New("build root is locked by another garbage collector")

// CollectGarbage reclaims every snapshot wrapper that is provably
// dead. A wrapper whose refcount file has dropped below two hardlinks
// is a leftover from a completed rebuild. A wrapper still at two links
// is live only while its build lock is held or its record has been
// published; a free lock over a never-published record means the build
// died after allocating, and the wrapper is reclaimed.
//
// The pass is fail-closed: any state it cannot classify is logged and
// skipped rather than deleted. It enumerates wrappers strictly before
// reading refcounts, the mirror of the allocation order, so a build
// racing with GC can never lose a snapshot it just allocated.
func (m *Manager) CollectGarbage(ctx context.Context) (GCStats, error) {
	var stats GCStats

	lock, err := os.Open(m.SubvolsDir())
	if err != nil {
		return stats, fmt.Errorf("open subvols dir: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return stats, ErrGCContended
		}
		return stats, fmt.Errorf("lock subvols dir: %w", err)
	}

	// Wrappers first. Refcounts created after this snapshot of the
	// directory belong to wrappers we have not listed, so newly
	// allocated snapshots are invisible to this pass by construction.
	wrappers, err := m.listWrappers()
	if err != nil {
		return stats, err
	}
	nlinks, err := m.refcountLinks()
	if err != nil {
		return stats, err
	}
	protected := m.currentWrappers()

	for _, wrapper := range wrappers {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++
		log := m.log.With().Str("wrapper", wrapper).Logger()

		n := nlinks[wrapper]
		switch {
		case n >= 2 && protected[wrapper]:
			continue
		case n >= 2:
			dead, err := m.abandoned(wrapper)
			if err != nil {
				log.Warn().Err(err).Msg("could not classify marked wrapper, skipping")
				stats.Skipped++
				continue
			}
			if !dead {
				continue
			}
			m.dropDeadOutput(wrapper)
		case protected[wrapper]:
			// A current pointer without a live refcount means some
			// external actor removed the output record. Never delete
			// a published volume out from under its readers.
			log.Warn().Msg("wrapper referenced by current pointer but refcount is dead, skipping")
			stats.Skipped++
			continue
		}

		if err := m.reclaim(wrapper); err != nil {
			log.Warn().Err(err).Msg("could not reclaim wrapper, skipping")
			stats.Skipped++
			continue
		}
		log.Info().Msg("reclaimed snapshot wrapper")
		stats.Reclaimed++
	}

	// Dead refcounts whose wrapper is already gone are also garbage.
	for wrapper, n := range nlinks {
		if n >= 2 {
			continue
		}
		p := filepath.Join(m.refcountsDir(), wrapper+".json")
		if _, err := os.Stat(filepath.Join(m.SubvolsDir(), wrapper)); err == nil {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("wrapper", wrapper).Msg("could not remove orphan refcount")
		}
	}

	return stats, nil
}

// abandoned reports whether a marked wrapper that no current pointer
// reaches belongs to a dead build. The build lock lives on the marker
// inode, so the refcount link reaches it even after a later allocation
// replaced the outputs-side path. A held lock means the build is still
// in flight. A free lock over a record that never validated means the
// build died between allocation and publication.
func (m *Manager) abandoned(wrapper string) (bool, error) {
	f, err := os.Open(filepath.Join(m.refcountsDir(), wrapper+".json"))
	if err != nil {
		return false, fmt.Errorf("open refcount: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("lock refcount: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return false, fmt.Errorf("read refcount: %w", err)
	}
	if len(data) == 0 {
		return true, nil
	}
	var rec OnDisk
	if json.Unmarshal(data, &rec) != nil || rec.Validate() != nil {
		// A partial record means publication never completed.
		return true, nil
	}
	// Published, but the current pointer is gone. Never provably dead.
	return false, nil
}

// dropDeadOutput unlinks the outputs-side path of a dead allocation's
// marker, but only while it still shares the refcount's inode; after a
// newer allocation of the same target, the path belongs to that build.
func (m *Manager) dropDeadOutput(wrapper string) {
	name, _, ok := splitWrapper(wrapper)
	if !ok {
		return
	}
	outputPath := filepath.Join(m.outputsDir(), name+".json")
	var ref, out unix.Stat_t
	if unix.Stat(filepath.Join(m.refcountsDir(), wrapper+".json"), &ref) != nil {
		return
	}
	if unix.Stat(outputPath, &out) != nil {
		return
	}
	if ref.Ino != out.Ino {
		return
	}
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("wrapper", wrapper).Msg("could not remove dead output record")
	}
}

// listWrappers returns wrapper basenames currently present.
func (m *Manager) listWrappers() ([]string, error) {
	entries, err := os.ReadDir(m.SubvolsDir())
	if err != nil {
		return nil, fmt.Errorf("list subvols dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, _, ok := splitWrapper(e.Name()); ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// refcountLinks maps wrapper basenames to the hardlink count of their
// refcount file.
func (m *Manager) refcountLinks() (map[string]uint64, error) {
	entries, err := os.ReadDir(m.refcountsDir())
	if err != nil {
		return nil, fmt.Errorf("list refcounts dir: %w", err)
	}
	links := make(map[string]uint64, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(filepath.Join(m.refcountsDir(), e.Name()), &st); err != nil {
			// Raced with a concurrent unlink; treat as dead.
			continue
		}
		links[name] = uint64(st.Nlink)
	}
	return links, nil
}

// currentWrappers returns the set of wrappers some current pointer
// resolves into.
func (m *Manager) currentWrappers() map[string]bool {
	out := make(map[string]bool)
	entries, err := os.ReadDir(m.currentDir())
	if err != nil {
		return out
	}
	for _, e := range entries {
		dest, err := os.Readlink(filepath.Join(m.currentDir(), e.Name()))
		if err != nil {
			continue
		}
		// Expected shape: ../subvols/<wrapper>/volume
		dest = filepath.Clean(dest)
		parts := strings.Split(dest, string(filepath.Separator))
		for i, p := range parts {
			if p == subvolsDirName && i+1 < len(parts) {
				out[parts[i+1]] = true
				break
			}
		}
	}
	return out
}

// reclaim removes one dead wrapper: refcount first, then the volume,
// then the wrapper directory. It refuses to touch a wrapper containing
// anything other than the expected volume.
func (m *Manager) reclaim(wrapper string) error {
	refcount := filepath.Join(m.refcountsDir(), wrapper+".json")
	if err := os.Remove(refcount); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove refcount: %w", err)
	}

	dir := filepath.Join(m.SubvolsDir(), wrapper)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("inspect wrapper: %w", err)
	}
	for _, e := range entries {
		if e.Name() != volumeName && e.Name() != ManifestName {
			return fmt.Errorf("unexpected entry %q in wrapper", e.Name())
		}
	}
	// Deleting the wrapper recursively tears down the copy-on-write
	// volume inside it.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove wrapper: %w", err)
	}
	return nil
}
