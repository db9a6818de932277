//go:build !windows

package pager

import "golang.org/x/sys/unix"

// flockExclusive takes a non-blocking advisory exclusive lock on fd,
// mirroring the golang.org/x/sys/unix.Flock usage in Ricky004-dungeonDB's
// mmap_unix.go and mjm918-tur's storage layer. It reports whether the
// lock was already held by another open handle on the file, in this
// process or another.
func flockExclusive(fd uintptr) (alreadyLocked bool, err error) {
	err = unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return true, nil
	}
	return false, err
}
