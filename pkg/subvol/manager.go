package subvol

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

const (
	subvolsDirName   = "subvols"
	refcountsDirName = "refcounts"
	outputsDirName   = "outputs"
	currentDirName   = "current"

	// volumeName is the volume entry inside a wrapper directory.
	volumeName = "volume"
)

// ManifestName is the manifest file a build writes next to its volume
// inside the wrapper directory. It is the only entry besides the volume
// a wrapper may contain.
const ManifestName = "manifest.json"

// Manager owns one build root and the snapshot lifecycle within it.
// All mutating operations assume the refcounts, outputs and subvols
// directories live on the same filesystem so hardlinks and renames
// stay atomic.
type Manager struct {
	root    string
	counter *Counter
	log     zerolog.Logger
}

// NewManager opens (creating if needed) a build root at root.
func NewManager(root string, log zerolog.Logger) (*Manager, error) {
	for _, d := range []string{subvolsDirName, refcountsDirName, outputsDirName, currentDirName} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create build root %s: %w", root, err)
		}
	}
	return &Manager{
		root:    root,
		counter: NewCounter(filepath.Join(root, subvolsDirName, versionFile)),
		log:     log.With().Str("component", "subvol").Str("root", root).Logger(),
	}, nil
}

// Root returns the build root the manager operates on.
func (m *Manager) Root() string { return m.root }

// SubvolsDir returns the directory holding snapshot wrappers.
func (m *Manager) SubvolsDir() string { return filepath.Join(m.root, subvolsDirName) }

func (m *Manager) refcountsDir() string { return filepath.Join(m.root, refcountsDirName) }
func (m *Manager) outputsDir() string   { return filepath.Join(m.root, outputsDirName) }
func (m *Manager) currentDir() string   { return filepath.Join(m.root, currentDirName) }

// Allocation describes a snapshot slot handed to a build. The volume
// directory does not exist yet; the build creates and fills it.
type Allocation struct {
	// Target is the logical target name the snapshot was allocated for.
	Target string
	// Name is the sanitized target name used in filesystem paths.
	Name string
	// Version is the monotonic snapshot version.
	Version uint64
	// WrapperDir is the versioned wrapper directory, already created.
	WrapperDir string
	// VolumeDir is the path the build must create its volume at.
	VolumeDir string
	// OutputPath is the build output record, created empty and
	// hardlinked as the snapshot's liveness marker.
	OutputPath string

	// guard holds an exclusive advisory lock on the output inode for
	// the lifetime of the build. A killed process drops the lock with
	// its file descriptors, which is how the garbage collector tells
	// an abandoned allocation from one still in flight.
	guard *os.File
}

// WrapperName returns the "<name>:<version>" basename of the wrapper.
func (a *Allocation) WrapperName() string {
	return wrapperName(a.Name, a.Version)
}

// Close releases the allocation's build lock. The caller closes the
// allocation once the build is over, published or not; until then the
// lock keeps the garbage collector from reclaiming the wrapper.
func (a *Allocation) Close() error {
	if a.guard == nil {
		return nil
	}
	err := a.guard.Close()
	a.guard = nil
	return err
}

func wrapperName(name string, version uint64) string {
	return name + ":" + strconv.FormatUint(version, 10)
}

// splitWrapper parses a wrapper basename back into name and version.
func splitWrapper(base string) (string, uint64, bool) {
	i := strings.LastIndex(base, ":")
	if i <= 0 || i == len(base)-1 {
		return "", 0, false
	}
	v, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], v, true
}

// Allocate reserves a fresh snapshot slot for targetName. It draws a
// new version, removes the target's previous output record (the point
// of no return: the prior snapshot is unreferenced from here on, and
// aborting the build cannot restore it), creates the new output file
// exclusively, locks it for the build's duration, hardlinks it into
// the refcounts directory, and only then creates the wrapper
// directory. A build killed between any two of these steps leaves a
// state the garbage collector recognizes and reclaims.
func (m *Manager) Allocate(targetName string) (*Allocation, error) {
	name := target.Sanitize(targetName)
	version, err := m.counter.Next()
	if err != nil {
		return nil, err
	}
	wrapper := wrapperName(name, version)

	outputPath := filepath.Join(m.outputsDir(), name+".json")
	refcountPath := filepath.Join(m.refcountsDir(), wrapper+".json")
	wrapperDir := filepath.Join(m.SubvolsDir(), wrapper)

	// Point of no return: once the old output record is gone, the
	// previous snapshot's refcount drops and GC may reclaim it.
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale output for %s: %w", targetName, err)
	}

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output for %s: %w", targetName, err)
	}

	// The build lock must be held before the wrapper becomes visible,
	// so GC never observes a marked wrapper whose record is empty and
	// whose lock is free unless its build is actually dead.
	if err := unix.Flock(int(out.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		out.Close()
		return nil, fmt.Errorf("lock output for %s: %w", targetName, err)
	}

	// The refcount link must exist before the wrapper directory does,
	// or a concurrent GC pass could see the wrapper as unreferenced.
	if err := os.Link(outputPath, refcountPath); err != nil {
		out.Close()
		return nil, fmt.Errorf("link refcount for %s: %w", wrapper, err)
	}
	if err := os.Mkdir(wrapperDir, 0o755); err != nil {
		out.Close()
		return nil, fmt.Errorf("create wrapper %s: %w", wrapper, err)
	}

	m.log.Debug().
		Str("target", targetName).
		Uint64("version", version).
		Str("wrapper", wrapper).
		Msg("allocated snapshot")

	return &Allocation{
		Target:     targetName,
		Name:       name,
		Version:    version,
		WrapperDir: wrapperDir,
		VolumeDir:  filepath.Join(wrapperDir, volumeName),
		OutputPath: outputPath,
		guard:      out,
	}, nil
}

// Publish records a completed build: it writes the on-disk record into
// the allocation's output file and atomically repoints the target's
// "current" symlink at the new volume. Writing truncates the existing
// output inode in place so the refcount hardlink stays intact.
func (m *Manager) Publish(alloc *Allocation, rec *OnDisk) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", alloc.Target, err)
	}
	if got, want := rec.SubvolRelPath, filepath.Join(alloc.WrapperName(), volumeName); got != want {
		return fmt.Errorf("publish %s: record points at %q, allocation is %q", alloc.Target, got, want)
	}
	if _, err := os.Stat(alloc.VolumeDir); err != nil {
		return fmt.Errorf("publish %s: volume missing: %w", alloc.Target, err)
	}

	if err := rec.writeInPlace(alloc.OutputPath); err != nil {
		return fmt.Errorf("publish %s: %w", alloc.Target, err)
	}

	// current/<name> -> ../subvols/<wrapper>/volume, swapped via
	// symlink-then-rename so readers always see a complete pointer.
	link := filepath.Join(m.currentDir(), alloc.Name)
	relTarget := filepath.Join("..", subvolsDirName, alloc.WrapperName(), volumeName)
	tmp := link + ".tmp-" + strconv.FormatUint(alloc.Version, 10)
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("publish %s: %w", alloc.Target, err)
	}
	if err := os.Symlink(relTarget, tmp); err != nil {
		return fmt.Errorf("publish %s: %w", alloc.Target, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("publish %s: %w", alloc.Target, err)
	}

	m.log.Info().
		Str("target", alloc.Target).
		Uint64("version", alloc.Version).
		Msg("published snapshot")
	return nil
}

// Current resolves the live volume path for targetName, or an error if
// no snapshot has been published for it.
func (m *Manager) Current(targetName string) (string, error) {
	link := filepath.Join(m.currentDir(), target.Sanitize(targetName))
	dest, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("no published snapshot for %s: %w", targetName, err)
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(m.currentDir(), dest)
	}
	return filepath.Clean(dest), nil
}

// LoadOutput reads the published on-disk record for targetName.
func (m *Manager) LoadOutput(targetName string) (*OnDisk, error) {
	p := filepath.Join(m.outputsDir(), target.Sanitize(targetName)+".json")
	return ReadOnDisk(p)
}
