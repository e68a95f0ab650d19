package subvol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OnDisk is the published record of one snapshot. It is the contract
// between the build that produced a volume and every later consumer:
// anything that mounts, clones or parents on the snapshot resolves it
// through this record, never by guessing paths.
type OnDisk struct {
	// Target is the logical target the snapshot was built for.
	Target string `json:"target"`
	// SubvolRelPath locates the volume relative to the subvols
	// directory, always of the form "<name>:<version>/volume".
	SubvolRelPath string `json:"subvolume_rel_path"`
	// Version is the snapshot version encoded in the wrapper name.
	Version uint64 `json:"version"`
	// Hostname records where the build ran. Snapshot paths are only
	// meaningful on the machine that built them.
	Hostname string `json:"hostname"`
	// Flavor is the effective flavor the layer was built with.
	Flavor string `json:"flavor,omitempty"`
	// BuildAppliance is the resolved build appliance target, if one
	// was used.
	BuildAppliance string `json:"build_appliance,omitempty"`
	// ManifestDigest is the content digest of the feature manifest the
	// build consumed.
	ManifestDigest string `json:"manifest_digest,omitempty"`
}

// NewOnDisk builds the record for a fresh allocation.
func NewOnDisk(alloc *Allocation) (*OnDisk, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	return &OnDisk{
		Target:        alloc.Target,
		SubvolRelPath: filepath.Join(alloc.WrapperName(), volumeName),
		Version:       alloc.Version,
		Hostname:      host,
	}, nil
}

// Validate checks the structural invariants of the record, in
// particular the "<name>:<version>/volume" shape of the relative path.
func (r *OnDisk) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("on-disk record: empty target")
	}
	if r.Hostname == "" {
		return fmt.Errorf("on-disk record for %s: empty hostname", r.Target)
	}
	parts := strings.Split(r.SubvolRelPath, string(filepath.Separator))
	if len(parts) != 2 || parts[1] != volumeName {
		return fmt.Errorf("on-disk record for %s: malformed rel path %q", r.Target, r.SubvolRelPath)
	}
	name, version, ok := splitWrapper(parts[0])
	if !ok || name == "" {
		return fmt.Errorf("on-disk record for %s: malformed wrapper %q", r.Target, parts[0])
	}
	if version != r.Version {
		return fmt.Errorf("on-disk record for %s: version %d does not match wrapper %q", r.Target, r.Version, parts[0])
	}
	return nil
}

// SubvolumePath resolves the volume under subvolsDir, verifying the
// record was produced on this host.
func (r *OnDisk) SubvolumePath(subvolsDir string) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	if host != r.Hostname {
		return "", fmt.Errorf("snapshot for %s was built on %s, not %s", r.Target, r.Hostname, host)
	}
	return filepath.Join(subvolsDir, r.SubvolRelPath), nil
}

// ReadOnDisk loads and validates a record from path.
func ReadOnDisk(path string) (*OnDisk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot record: %w", err)
	}
	var rec OnDisk
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot record %s: %w", path, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeInPlace serializes the record into an existing file without
// replacing its inode, preserving any hardlinks to it.
func (r *OnDisk) writeInPlace(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot record: %w", err)
	}
	return f.Close()
}
