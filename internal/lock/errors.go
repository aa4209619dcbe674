package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLock is returned when the marker cannot be created or opened for
	// reasons other than contention.
	ErrLock = errors.New("lock failure")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("lock timeout")

	// ErrStaleCleanup means a stale marker was found but could not be removed.
	// It usually points at a permission problem on the store directory.
	ErrStaleCleanup = errors.New("failed to remove stale lock")
)

// TimeoutError reports an acquisition that gave up after Timeout.
type TimeoutError struct {
	Path     string
	Waited   time.Duration
	Attempts int
	Timeout  time.Duration
	Holder   *Metadata
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("lock timeout (path=%s waited=%s attempts=%d timeout=%s)",
		e.Path, e.Waited.Truncate(time.Millisecond), e.Attempts, e.Timeout)
	if e.Holder != nil {
		msg += fmt.Sprintf(": held by pid %d on %s since %s",
			e.Holder.ProcessID, e.Holder.Host, e.Holder.Timestamp.Format(time.RFC3339))
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// errWouldBlock is returned by a locker when another handle holds the lock.
var errWouldBlock = errors.New("advisory lock held elsewhere")

// errUnsupported is returned by a locker when the filesystem refuses
// advisory locks.
var errUnsupported = errors.New("advisory locks unsupported")
