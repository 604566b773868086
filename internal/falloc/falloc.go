// Package falloc implements the file allocator, write-back cache and
// background durability supervisor described for an embedded key/value
// store: a block-based free-space allocator over a random-access data file,
// a time-decayed cache that coalesces writes, and a metadata table
// snapshotted atomically alongside it.
package falloc

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dkvstore/falloc/pkg/fsio"
)

const dataFilePerm = 0o600

// SupervisorDurations holds the timing constants driving the supervisor's
// startup delay, poison backoff, retry backoffs and shutdown poll interval
// (spec.md §4.5/§9). spec.md:269 explicitly invites making these
// configurable rather than baked-in constants; [DefaultSupervisorDurations]
// reproduces the spec's own numbers, and [WithSupervisorDurations] lets
// tests (or callers) shrink them so the recovery/retry/exit cascade can be
// exercised without real wall-clock sleeps.
type SupervisorDurations struct {
	StartupDelay  time.Duration
	PoisonBackoff time.Duration
	RecoveryRetry time.Duration
	FlushRetry    time.Duration
	ShutdownPoll  time.Duration
	RecoveryExit  time.Duration
}

// DefaultSupervisorDurations returns the timings described by spec.md §4.5.
func DefaultSupervisorDurations() SupervisorDurations {
	return SupervisorDurations{
		StartupDelay:  1 * time.Second,
		PoisonBackoff: 60 * time.Second,
		RecoveryRetry: 10 * time.Second,
		FlushRetry:    30 * time.Second,
		ShutdownPoll:  5 * time.Millisecond,
		RecoveryExit:  2 * time.Hour,
	}
}

// FAlloc is the public handle to an open store. The zero value is not
// usable; construct one with [Create] or [Open].
type FAlloc struct {
	fs       fsio.FS
	dataPath string
	lock     *fsio.Lock
	inner    *innerStore

	durations SupervisorDurations
	sleep     func(time.Duration)
	exit      func(int)

	supervisorDone chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
}

// Option configures optional, non-default behavior of [Create]/[Open].
// Most callers need none of these; they exist chiefly so tests can replace
// the supervisor's wall-clock sleeps and process-exit call with injectable
// equivalents.
type Option func(*FAlloc)

// WithSupervisorDurations overrides the supervisor's timing constants.
func WithSupervisorDurations(d SupervisorDurations) Option {
	return func(f *FAlloc) {
		f.durations = d
	}
}

// WithSleeper overrides the function the supervisor calls to sleep between
// passes, in place of [time.Sleep].
func WithSleeper(sleep func(time.Duration)) Option {
	return func(f *FAlloc) {
		f.sleep = sleep
	}
}

// WithExit overrides the function the supervisor calls to terminate the
// process once a recovery cycle has completed, in place of [os.Exit].
func WithExit(exit func(int)) Option {
	return func(f *FAlloc) {
		f.exit = exit
	}
}

func wallClockMillis() int64 {
	return time.Now().UnixMilli()
}

// Create initializes a brand-new store at dataPath/metaPath. It fails with
// [ErrExists] if dataPath already exists, and with [ErrWouldBlock] if
// another instance already holds the lock.
func Create(fs fsio.FS, dataPath, metaPath string, cachePeriodMs int64, blockSize uint64, opts ...Option) (*FAlloc, error) {
	if blockSize == 0 {
		return nil, errors.New("falloc: block size must be > 0")
	}

	if _, err := fs.Stat(dataPath); err == nil {
		return nil, ErrExists
	}

	lock, err := acquireLock(fs, dataPath)
	if err != nil {
		return nil, err
	}

	dataFile, err := fs.OpenFile(dataPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, dataFilePerm)
	if err != nil {
		_ = lock.Close()
		return nil, ioErrorf("creating data file %s: %w", dataPath, err)
	}

	table := NewTable(metaPath, blockSize)
	if err := table.Save(fs); err != nil {
		_ = dataFile.Close()
		_ = lock.Close()

		return nil, err
	}

	return newFAlloc(fs, dataPath, lock, dataFile, table, cachePeriodMs, opts...), nil
}

// Open opens an existing store at dataPath/metaPath. It fails if either
// file is absent, or with [ErrCorruptMetadata] if the metadata file cannot
// be parsed. BlockSize is read back from the metadata file, never from a
// caller-supplied value.
func Open(fs fsio.FS, dataPath, metaPath string, cachePeriodMs int64, opts ...Option) (*FAlloc, error) {
	lock, err := acquireLock(fs, dataPath)
	if err != nil {
		return nil, err
	}

	table, err := LoadTable(fs, metaPath)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	dataFile, err := fs.OpenFile(dataPath, os.O_RDWR, dataFilePerm)
	if err != nil {
		_ = lock.Close()
		return nil, ioErrorf("opening data file %s: %w", dataPath, err)
	}

	return newFAlloc(fs, dataPath, lock, dataFile, table, cachePeriodMs, opts...), nil
}

func acquireLock(fs fsio.FS, dataPath string) (*fsio.Lock, error) {
	lock, err := fsio.NewLocker(fs).TryLock(dataPath + ".lock")
	if err != nil {
		if errors.Is(err, fsio.ErrWouldBlock) {
			return nil, ErrWouldBlock
		}

		return nil, ioErrorf("locking %s: %w", dataPath, err)
	}

	return lock, nil
}

func newFAlloc(fs fsio.FS, dataPath string, lock *fsio.Lock, dataFile fsio.File, table *AllocationTable, cachePeriodMs int64, opts ...Option) *FAlloc {
	f := &FAlloc{
		fs:             fs,
		dataPath:       dataPath,
		lock:           lock,
		inner:          newInnerStore(dataFile, table, cachePeriodMs, wallClockMillis),
		durations:      DefaultSupervisorDurations(),
		sleep:          time.Sleep,
		exit:           os.Exit,
		supervisorDone: make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	go f.supervise()

	return f
}

// withLock runs fn while holding the inner mutex, failing fast with a
// BrokenPipe-class error if the store has already been shut down, and
// converting any panic inside fn into recovery-mode poisoning rather than
// crashing the caller's goroutine (Go has no mutex poisoning to detect, so a
// recovered panic is this store's equivalent signal).
func (f *FAlloc) withLock(fn func() error) error {
	f.inner.mu.Lock()
	defer f.inner.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			f.inner.poisoned.Store(true)

			log.Printf("falloc: recovered panic inside locked operation: %v", r)
		}
	}()

	if f.inner.shutdown {
		return errShutdownBrokenPipe
	}

	if f.inner.poisoned.Load() {
		return errShutdownBrokenPipe
	}

	return fn()
}

// Get returns the bytes stored for key, or (nil, false) if absent or
// logically deleted.
func (f *FAlloc) Get(key string) ([]byte, bool, error) {
	var (
		data []byte
		ok   bool
	)

	err := f.withLock(func() error {
		var innerErr error

		data, ok, innerErr = f.inner.get(key)

		return innerErr
	})

	return data, ok, err
}

// Set inserts or overwrites key with data. Empty data logically deletes the
// key. The write is deferred to cache and does not touch disk until a flush.
func (f *FAlloc) Set(key string, data []byte) error {
	return f.withLock(func() error {
		f.inner.set(key, data)
		return nil
	})
}

// Paths returns direct children of prefix, or top-level keys if prefix is "".
func (f *FAlloc) Paths(prefix string) ([]string, error) {
	var out []string

	err := f.withLock(func() error {
		out = f.inner.paths(prefix)
		return nil
	})

	return out, err
}

// AllPaths returns every key beginning with prefix+"/", or every key if
// prefix is "".
func (f *FAlloc) AllPaths(prefix string) ([]string, error) {
	var out []string

	err := f.withLock(func() error {
		out = f.inner.allPaths(prefix)
		return nil
	})

	return out, err
}

// DeleteSubstructure deletes every key strictly beginning with prefix+"/".
// prefix itself is left untouched.
func (f *FAlloc) DeleteSubstructure(prefix string) error {
	return f.withLock(func() error {
		f.inner.deleteSubstructure(prefix)
		return nil
	})
}

// Sync force-flushes every dirty cache entry into its allocation in the data
// file, regardless of age. The data file is not fsynced; see [FAlloc.Save].
func (f *FAlloc) Sync() error {
	return f.withLock(func() error {
		_, err := f.inner.flushCache(f.inner.now(), true)
		return err
	})
}

// Save is Sync plus an fsync of the data file plus an atomic metadata
// snapshot. After Save returns successfully, a process crash preserves every
// operation that completed before the call.
func (f *FAlloc) Save() error {
	return f.withLock(func() error {
		return f.saveLocked()
	})
}

// saveLocked performs Sync + data-file fsync + metadata snapshot, fsyncing
// before the snapshot so the renamed metadata never refers to unsynced data.
// Must be called with the inner mutex already held.
func (f *FAlloc) saveLocked() error {
	if _, err := f.inner.flushCache(f.inner.now(), true); err != nil {
		return err
	}

	if err := f.inner.dataFile.Sync(); err != nil {
		return ioErrorf("fsyncing data file: %w", err)
	}

	if err := f.inner.table.Save(f.fs); err != nil {
		return err
	}

	return nil
}

// Stats is a read-only snapshot of the allocator's state, useful for
// diagnostics and for tests that assert block-alignment/disjointness
// invariants without reaching into private state.
type Stats struct {
	BlockSize      uint64
	BlocksReserved uint64
	Keys           int
	FreeExtents    int
	FreeBytes      uint64
}

// Stats returns a snapshot of the allocator's current state.
func (f *FAlloc) Stats() (Stats, error) {
	var st Stats

	err := f.withLock(func() error {
		st.BlockSize = f.inner.table.BlockSize
		st.BlocksReserved = f.inner.table.BlocksReserved
		st.Keys = len(f.inner.table.Map)
		st.FreeExtents = len(f.inner.table.Free)

		for _, e := range f.inner.table.Free {
			st.FreeBytes += e.Length
		}

		return nil
	})

	return st, err
}

// Shutdown performs a final Save and stops the background supervisor.
// Idempotent: a second call after the store has already shut down returns
// the result of the first call without blocking.
func (f *FAlloc) Shutdown() error {
	f.shutdownOnce.Do(func() {
		f.inner.mu.Lock()
		f.inner.shutdown = true
		f.inner.mu.Unlock()

		for {
			f.inner.mu.Lock()
			stillShuttingDown := f.inner.shutdown
			f.inner.mu.Unlock()

			if !stillShuttingDown {
				break
			}

			f.sleep(f.durations.ShutdownPoll)
		}

		<-f.supervisorDone

		// The supervisor cleared the flag to acknowledge; set it again so
		// every later call fails with ErrShutdown.
		f.inner.mu.Lock()
		f.inner.shutdown = true
		f.inner.mu.Unlock()

		f.shutdownErr = f.lock.Close()
	})

	return f.shutdownErr
}

// supervise is the background durability worker described by the design:
// it periodically flushes the cache, snapshots the metadata, fsyncs the
// data file, and handles a detected panic ("poisoning") or flush failure by
// entering recovery, which terminates the process.
func (f *FAlloc) supervise() {
	defer close(f.supervisorDone)

	f.sleep(f.durations.StartupDelay)

	for {
		if f.inner.poisoned.Load() {
			log.Printf("falloc: detected poisoned store, entering recovery")
			f.sleep(f.durations.PoisonBackoff)

			f.inner.mu.Lock()
			f.inner.recovery = true
			f.inner.mu.Unlock()
		}

		if f.superviseOnePass() {
			return
		}
	}
}

// superviseOnePass runs one iteration of the supervisor loop. Returns true
// if the loop should stop (normal shutdown completed).
func (f *FAlloc) superviseOnePass() bool {
	f.inner.mu.Lock()

	if f.inner.recovery {
		f.inner.shutdown = true

		if err := f.inner.table.Save(f.fs); err != nil {
			log.Printf("falloc: recovery metadata save failed, retrying: %v", err)
			f.inner.mu.Unlock()
			f.sleep(f.durations.RecoveryRetry)

			return false
		}
	}

	if err := f.saveLocked(); err != nil {
		f.inner.shutdown = true
		f.inner.recovery = true

		log.Printf("falloc: flush/save failed, entering recovery: %v", err)
		f.inner.mu.Unlock()
		f.sleep(f.durations.FlushRetry)

		return false
	}

	if f.inner.shutdown {
		f.inner.shutdown = false

		recovery := f.inner.recovery
		f.inner.mu.Unlock()

		if recovery {
			f.enterRecoveryExit()
		}

		return true
	}

	sleepFor := time.Duration(f.inner.cachePeriodMs*10+5) * time.Millisecond
	f.inner.mu.Unlock()
	f.sleep(sleepFor)

	return false
}

// enterRecoveryExit spawns a goroutine that poisons the store (so any racing
// caller observes recovery too), waits, then terminates the process. This is
// a deliberate policy: the design treats a failed durability cycle as too
// risky to continue past silently.
func (f *FAlloc) enterRecoveryExit() {
	go func() {
		f.inner.mu.Lock()
		defer f.inner.mu.Unlock()

		f.inner.poisoned.Store(true)
	}()

	f.sleep(f.durations.RecoveryExit)
	f.exit(255)
}
