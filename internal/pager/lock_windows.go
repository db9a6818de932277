//go:build windows

package pager

// flockExclusive is a no-op on windows: no lock is taken and the file
// is opened without exclusive sharing, so a second Open of the same
// database is not detected and never fails with ErrAlreadyOpen.
// Multiple handles onto one file are unsupported regardless of
// platform.
func flockExclusive(fd uintptr) (alreadyLocked bool, err error) {
	return false, nil
}
