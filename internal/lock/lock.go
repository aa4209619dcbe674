// Package lock serializes sync runs across processes that share one store
// file. The lock is a sidecar marker file next to the store holding JSON
// metadata about its owner, with an OS advisory lock on its open handle
// where the platform provides one.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Suffix is appended to the store path to form the marker path.
const Suffix = ".lock"

const (
	DefaultTimeout       = 60 * time.Second
	DefaultRetryInterval = 250 * time.Millisecond
	DefaultStaleAfter    = time.Hour
)

// Options tunes acquisition. Zero durations take the defaults; a negative
// StaleAfter disables age-based recovery.
type Options struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	StaleAfter    time.Duration
	Logger        zerolog.Logger
}

// FileLock is the cross-process lock for one store. A FileLock is safe for
// use by multiple goroutines, but it is a single owner: Acquire on a lock
// that is already held by the same FileLock fails.
type FileLock struct {
	storePath string
	path      string
	host      string
	opts      Options
	log       zerolog.Logger

	backend      locker
	degradedOnce sync.Once

	mu   sync.Mutex
	held *heldLock
}

type heldLock struct {
	file *os.File
	info fs.FileInfo
	meta Metadata
}

// New returns the lock guarding storePath. Nothing touches the filesystem
// until Acquire.
func New(storePath string, opts Options) *FileLock {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	l := &FileLock{
		storePath: storePath,
		path:      storePath + Suffix,
		host:      hostname(),
		opts:      opts,
		log:       opts.Logger.With().Str("lock", storePath+Suffix).Logger(),
		backend:   newLocker(),
	}
	if l.backend == nil {
		l.degrade("no advisory file lock on this platform")
	}
	return l
}

// Path returns the marker file path.
func (l *FileLock) Path() string { return l.path }

// degrade drops the advisory lock and relies on the marker alone.
func (l *FileLock) degrade(reason string) {
	l.backend = nil
	l.degradedOnce.Do(func() {
		l.log.Warn().Str("reason", reason).Msg("Lock running in degraded mode: marker existence only")
	})
}

// Acquire blocks until the lock is held, the timeout expires, or a
// non-contention failure occurs. Stale markers are removed and retried
// without sleeping.
func (l *FileLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		return fmt.Errorf("%w: %s is already held by this process", ErrLock, l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: prepare lock directory: %w", ErrLock, err)
	}

	start := time.Now()
	attempts := 0
	for {
		attempts++
		err := l.tryCreate()
		if err == nil {
			l.log.Debug().
				Int("attempts", attempts).
				Dur("waited", time.Since(start)).
				Msg("Lock acquired")
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}

		recovered, err := l.recoverStale()
		if err != nil {
			return err
		}
		if recovered {
			continue
		}

		waited := time.Since(start)
		if waited >= l.opts.Timeout {
			holder, _ := l.Holder()
			return &TimeoutError{
				Path:     l.path,
				Waited:   waited,
				Attempts: attempts,
				Timeout:  l.opts.Timeout,
				Holder:   holder,
			}
		}
		time.Sleep(min(l.opts.RetryInterval, l.opts.Timeout-waited))
	}
}

// tryCreate makes one attempt to create the marker. The metadata is written
// to a private temp file and hard-linked into place, so a marker is never
// visible without its content. Contention is reported as fs.ErrExist.
func (l *FileLock) tryCreate() error {
	md := newMetadata(l.storePath, l.host, time.Now())
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrLock, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp marker: %w", ErrLock, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp marker: %w", ErrLock, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp marker: %w", ErrLock, err)
	}

	if err := os.Link(tmpName, l.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("%w: create marker: %w", ErrLock, err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		os.Remove(l.path)
		return fmt.Errorf("%w: open marker: %w", ErrLock, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("%w: stat marker: %w", ErrLock, err)
	}

	if l.backend != nil {
		switch err := l.backend.TryLock(f); {
		case err == nil:
		case errors.Is(err, errUnsupported):
			l.degrade(err.Error())
		case errors.Is(err, errWouldBlock):
			// A concurrent stale probe holds our fresh marker; back off.
			f.Close()
			os.Remove(l.path)
			return fs.ErrExist
		default:
			f.Close()
			os.Remove(l.path)
			return fmt.Errorf("%w: advisory lock: %w", ErrLock, err)
		}
	}

	l.held = &heldLock{file: f, info: info, meta: md}
	return nil
}

// recoverStale inspects the existing marker and removes it if stale. It
// reports true when the caller should retry at once.
func (l *FileLock) recoverStale() (bool, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		// Unreadable markers are treated as held.
		l.log.Debug().Err(err).Msg("Cannot inspect lock marker")
		return false, nil
	}
	info, md, reason, locked := l.inspect(f)
	closeProbe := func() {
		if locked {
			_ = l.backend.Unlock(f)
		}
		f.Close()
	}
	if reason == "" {
		closeProbe()
		return false, nil
	}
	// While the probe holds the advisory lock no other contender can judge
	// this marker stale, so it stays in place until removed below.
	if removeWhileOpen {
		defer closeProbe()
	} else {
		closeProbe()
	}

	// Remove only the marker that was judged, not one created since.
	current, err := os.Stat(l.path)
	if err != nil || !os.SameFile(info, current) {
		return true, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: %s: %w", ErrStaleCleanup, l.path, err)
	}

	ev := l.log.Warn().Str("reason", reason)
	if md != nil {
		ev = ev.Int("pid", md.ProcessID).Str("host", md.Host).Time("since", md.Timestamp)
	}
	ev.Msg("Removed stale lock")
	return true, nil
}

// inspect reads an open marker and returns its stale reason, or "" when it
// must be left alone. locked reports whether f now holds the advisory lock;
// the caller releases it.
func (l *FileLock) inspect(f *os.File) (info fs.FileInfo, md *Metadata, reason string, locked bool) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, "", false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, "", false
	}
	md, parseErr := parseMetadata(data)
	reason = l.staleReason(md, parseErr, time.Now())
	if reason == "" {
		return info, md, "", false
	}
	held, locked := l.probe(f)
	if held {
		l.log.Debug().Str("reason", reason).Msg("Marker looks stale but its advisory lock is held")
		return info, md, "", false
	}
	return info, md, reason, locked
}

// staleReason returns why a marker is stale, or "" if it is not. Process
// liveness is only checked for markers written on this host.
func (l *FileLock) staleReason(md *Metadata, parseErr error, now time.Time) string {
	if parseErr != nil {
		return parseErr.Error()
	}
	if md.Host == l.host && !processAlive(md.ProcessID) {
		return fmt.Sprintf("process %d is not running", md.ProcessID)
	}
	if l.opts.StaleAfter > 0 {
		if age := now.Sub(md.Timestamp); age > l.opts.StaleAfter {
			return fmt.Sprintf("marker is %s old", age.Truncate(time.Second))
		}
	}
	return ""
}

// probe tries the advisory lock of an existing marker. It reports whether
// another handle holds it and whether f took it.
func (l *FileLock) probe(f *os.File) (heldElsewhere, locked bool) {
	if l.backend == nil {
		return false, false
	}
	switch err := l.backend.TryLock(f); {
	case err == nil:
		return false, true
	case errors.Is(err, errWouldBlock):
		return true, false
	}
	return false, false
}

// Release unlocks and removes the marker. It is a no-op when the lock is
// not held and never fails; problems are logged.
func (l *FileLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.held
	if h == nil {
		return
	}
	l.held = nil

	if l.backend != nil {
		if err := l.backend.Unlock(h.file); err != nil {
			l.log.Warn().Err(err).Msg("Failed to release advisory lock")
		}
	}
	if err := h.file.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Failed to close lock marker")
	}

	current, err := os.Stat(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.log.Warn().Err(err).Msg("Failed to stat lock marker")
		}
		return
	}
	if !os.SameFile(h.info, current) {
		l.log.Warn().Msg("Lock marker was replaced while held; leaving it")
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.log.Warn().Err(err).Msg("Failed to remove lock marker")
		return
	}
	l.log.Debug().Dur("held", time.Since(h.meta.Timestamp)).Msg("Lock released")
}

// WithLock runs fn while holding the lock. The lock is released on every
// exit path, including a panic in fn.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

func (l *FileLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held != nil
}

// Holder reads the metadata of the current marker, whoever owns it. It
// returns an error wrapping fs.ErrNotExist when the store is unlocked.
func (l *FileLock) Holder() (*Metadata, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	return parseMetadata(data)
}
