package fsio

import (
	"errors"
	"os"
	"sync"
)

// InjectedError marks an error as intentionally injected by [Fault].
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Err error
}

func (e *InjectedError) Error() string { return e.Err.Error() }
func (e *InjectedError) Unwrap() error { return e.Err }

// IsInjected reports whether err (or any wrapped error) was injected by [Fault].
func IsInjected(err error) bool {
	var injected *InjectedError
	return errors.As(err, &injected)
}

// Fault wraps a [FS] and can be configured to fail the Nth call to a named
// operation with a given error, for exercising FAlloc's IoError propagation
// and supervisor retry/recovery paths without real disk faults.
//
// Operation names match the [FS] method names: "OpenFile", "ReadFile",
// "WriteFileAtomic", "Stat", "Remove".
type Fault struct {
	inner FS

	mu      sync.Mutex
	failAt  map[string]int // op -> call number (1-indexed) to fail
	calls   map[string]int
	failErr map[string]error
}

// NewFault wraps inner with fault-injection hooks.
func NewFault(inner FS) *Fault {
	return &Fault{
		inner:   inner,
		failAt:  make(map[string]int),
		calls:   make(map[string]int),
		failErr: make(map[string]error),
	}
}

// FailNth configures op to fail on its nth call (1-indexed) with err.
func (f *Fault) FailNth(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failAt[op] = n
	f.failErr[op] = err
}

// shouldFail increments the call counter for op and reports whether this
// call should fail, returning the configured error if so.
func (f *Fault) shouldFail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	if n, ok := f.failAt[op]; ok && f.calls[op] == n {
		return &InjectedError{Err: f.failErr[op]}
	}

	return nil
}

func (f *Fault) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.shouldFail("OpenFile"); err != nil {
		return nil, err
	}

	return f.inner.OpenFile(path, flag, perm)
}

func (f *Fault) ReadFile(path string) ([]byte, error) {
	if err := f.shouldFail("ReadFile"); err != nil {
		return nil, err
	}

	return f.inner.ReadFile(path)
}

func (f *Fault) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.shouldFail("WriteFileAtomic"); err != nil {
		return err
	}

	return f.inner.WriteFileAtomic(path, data, perm)
}

func (f *Fault) Stat(path string) (os.FileInfo, error) {
	if err := f.shouldFail("Stat"); err != nil {
		return nil, err
	}

	return f.inner.Stat(path)
}

func (f *Fault) Remove(path string) error {
	if err := f.shouldFail("Remove"); err != nil {
		return err
	}

	return f.inner.Remove(path)
}

var _ FS = (*Fault)(nil)
