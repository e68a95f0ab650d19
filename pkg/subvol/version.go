package subvol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// versionFile is the name of the counter file inside the subvols
// directory. The leading dot keeps it out of wrapper enumeration.
const versionFile = ".version"

// Counter issues strictly increasing snapshot versions backed by a
// small file. Versions come from a counter, not wall-clock time, so
// clock skew can never reorder or collide snapshot names.
type Counter struct {
	path string
}

// NewCounter returns a counter backed by the file at path. The file is
// created lazily on first use.
func NewCounter(path string) *Counter {
	return &Counter{path: path}
}

// Next atomically increments the counter and returns the new version.
// The counter file is locked exclusively for the read-modify-write so
// concurrent builds on the same root never observe the same version.
func (c *Counter) Next() (uint64, error) {
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open version counter: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock version counter: %w", err)
	}
	// The lock is released when f is closed.

	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read version counter: %w", err)
	}
	var cur uint64
	if s := strings.TrimSpace(string(buf[:n])); s != "" {
		cur, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt version counter %q: %w", s, err)
		}
	}

	next := cur + 1
	out := strconv.FormatUint(next, 10) + "\n"
	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncate version counter: %w", err)
	}
	if _, err := f.WriteAt([]byte(out), 0); err != nil {
		return 0, fmt.Errorf("write version counter: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync version counter: %w", err)
	}
	return next, nil
}
