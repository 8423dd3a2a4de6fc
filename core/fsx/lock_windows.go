//go:build windows

package fsx

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// The locked byte sits far past the pid text so other processes can still
// read who holds the lock.
const lockRangeOffsetHigh = 0x7fffffff

func tryLockFile(lock *os.File) error {
	overlapped := &windows.Overlapped{OffsetHigh: lockRangeOffsetHigh}
	err := windows.LockFileEx(
		windows.Handle(lock.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0,
		overlapped,
	)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return errLockHeld
	}
	return err
}

func unlockFile(lock *os.File) error {
	overlapped := &windows.Overlapped{OffsetHigh: lockRangeOffsetHigh}
	return windows.UnlockFileEx(windows.Handle(lock.Fd()), 0, 1, 0, overlapped)
}
