//go:build windows
// +build windows

package security

import (
	"os"
	"syscall"
)

const (
	lockfileExclusiveLock   = 0x2
	lockfileFailImmediately = 0x1

	// errorLockViolation is ERROR_LOCK_VIOLATION, returned when the
	// region is already locked.
	errorLockViolation syscall.Errno = 33
)

// lockFile acquires an exclusive lock on a file using LockFileEx.
func lockFile(f *os.File) error {
	handle := syscall.Handle(f.Fd())
	var overlapped syscall.Overlapped

	err := syscall.LockFileEx(
		handle,
		lockfileExclusiveLock,
		0,           // reserved
		1,           // lock 1 byte
		0,           // high-order 32 bits of byte range
		&overlapped,
	)
	return err
}

// tryLockFile is the non-blocking variant of lockFile.
func tryLockFile(f *os.File) error {
	handle := syscall.Handle(f.Fd())
	var overlapped syscall.Overlapped

	err := syscall.LockFileEx(
		handle,
		lockfileExclusiveLock|lockfileFailImmediately,
		0,
		1,
		0,
		&overlapped,
	)
	if err == errorLockViolation {
		return ErrLocked
	}
	return err
}

// unlockFile releases the lock on a file.
func unlockFile(f *os.File) error {
	handle := syscall.Handle(f.Fd())
	var overlapped syscall.Overlapped

	err := syscall.UnlockFileEx(
		handle,
		0, // reserved
		1, // unlock 1 byte
		0, // high-order 32 bits of byte range
		&overlapped,
	)
	return err
}
