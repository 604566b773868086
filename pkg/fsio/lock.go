package fsio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [Locker.TryLock] when the lock is already held
// by another process.
var ErrWouldBlock = errors.New("lock would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock. Callers retry.
var errInodeMismatch = errors.New("inode mismatch")

const lockFilePerm = 0o600

// Locker provides exclusive file-based locking using flock(2).
//
// flock locks an inode (the open file descriptor), not a path. Locker
// re-verifies that the lock file at path still has the same (dev, ino) after
// acquiring the lock, retrying on mismatch, so a concurrent replace of the
// lock file cannot silently hand two callers the same "exclusive" lock on
// different inodes.
type Locker struct {
	fs FS
}

// NewLocker creates a Locker that opens lock files through fs.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs}
}

// Lock represents a held exclusive lock. Call [Lock.Close] to release it.
type Lock struct {
	file File
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent: safe to call multiple times or on a nil *Lock.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())

	unlockErr := unix.Flock(fd, unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock file: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock file: %w", closeErr)
	}

	return nil
}

// TryLock attempts to acquire an exclusive, non-blocking lock on the file at
// path, creating it if necessary. Returns [ErrWouldBlock] if another process
// (or a prior unreleased lock in this process) already holds it.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		file, err := l.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerm)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		err = l.acquire(file, path)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

func (l *Locker) acquire(file File, path string) error {
	fd := int(file.Fd())

	err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = unix.Flock(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying lock file identity: %w", err)
	}

	if !match {
		_ = unix.Flock(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

// inodeMatchesPath compares the (dev, ino) of the already-open fd against
// the file currently at path, guarding against the lock file being replaced
// between open and flock.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(openInfo, pathInfo), nil
}
