//go:build unix

package filecache

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// platformLock takes an advisory flock on a sentinel file in the
// cache root for the duration of Add/Delete/DeleteAll/Trim, so a
// second *process* (not just a second goroutine in this process)
// cannot observe a half-written cache directory.
type platformLock struct {
	f *os.File
}

func (l *platformLock) open(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	return nil
}

func (l *platformLock) lock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
}

func (l *platformLock) unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
