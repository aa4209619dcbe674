package lock

import "os"

// locker applies an OS advisory exclusive lock to an open marker handle.
// A nil locker means the platform has none and only the marker's existence
// guards the store.
type locker interface {
	// TryLock must not block. It returns errWouldBlock when another handle
	// holds the lock and errUnsupported when the filesystem refuses it.
	TryLock(f *os.File) error
	Unlock(f *os.File) error
}
