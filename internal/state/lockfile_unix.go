//go:build unix

package state

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Exclusive takes an advisory flock on a sidecar file next to the state
// file and blocks until it is granted. The returned func releases it.
// Holders serialize their load-modify-save sequences across processes.
func (f *FileStore) Exclusive() (func() error, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create dir %s: %w", dir, err)
	}
	name := f.path + ".lock"
	fh, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", name, err)
	}
	for {
		err = unix.Flock(int(fh.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("state: flock %s: %w", name, err)
	}
	return func() error {
		uerr := unix.Flock(int(fh.Fd()), unix.LOCK_UN)
		if cerr := fh.Close(); uerr == nil {
			uerr = cerr
		}
		return uerr
	}, nil
}
