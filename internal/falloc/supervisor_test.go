package falloc

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/pkg/fsio"
)

// innerFlags snapshots the supervisor-relevant flags under the inner lock,
// the same way the supervisor itself reads/writes them.
func (f *FAlloc) innerFlags() (shutdown, recovery, poisoned bool) {
	f.inner.mu.Lock()
	defer f.inner.mu.Unlock()

	return f.inner.shutdown, f.inner.recovery, f.inner.poisoned.Load()
}

// Test_Supervisor_Enters_Recovery_And_Exits_When_Metadata_Save_Fails drives
// the §4.5 recovery cascade deterministically: a table.Save failure injected
// via fsio.Fault forces the supervisor's periodic flush/save to fail, which
// must set shutdown+recovery, poison the store, fail every subsequent public
// call with ErrShutdown, and eventually call the (injected) process-exit
// hook with code 255 once the retried save succeeds.
func Test_Supervisor_Enters_Recovery_And_Exits_When_Metadata_Save_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dataPath := filepath.Join(dir, "store.data")
	metaPath := filepath.Join(dir, "store.meta")

	faulty := fsio.NewFault(fsio.NewReal())

	exitCalls := make(chan int, 1)

	durations := SupervisorDurations{
		StartupDelay:  5 * time.Millisecond,
		PoisonBackoff: 5 * time.Millisecond,
		RecoveryRetry: 5 * time.Millisecond,
		FlushRetry:    600 * time.Millisecond,
		ShutdownPoll:  5 * time.Millisecond,
		RecoveryExit:  20 * time.Millisecond,
	}

	store, err := Create(faulty, dataPath, metaPath, 10, 64,
		WithSupervisorDurations(durations),
		WithExit(func(code int) {
			select {
			case exitCalls <- code:
			default:
			}
		}),
	)
	require.NoError(t, err)

	// Create's own initial metadata save is call #1; fail the supervisor's
	// first periodic save (call #2) to drive it into the flush-failure
	// branch of superviseOnePass.
	faulty.FailNth("WriteFileAtomic", 2, errors.New("simulated disk failure"))

	require.NoError(t, store.Set("background", []byte("dirty")))

	require.Eventually(t, func() bool {
		shutdown, recovery, _ := store.innerFlags()
		return shutdown && recovery
	}, 500*time.Millisecond, 5*time.Millisecond,
		"supervisor must set shutdown and recovery after a failed flush/save")

	require.Eventually(t, func() bool {
		_, _, poisoned := store.innerFlags()
		return poisoned
	}, 2*time.Second, 5*time.Millisecond,
		"supervisor must poison the store once recovery's retried save succeeds")

	err = store.Set("anything", []byte("v"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShutdown), "calls after poisoning must fail with ErrShutdown")

	select {
	case code := <-exitCalls:
		require.Equal(t, 255, code)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never called the injected exit hook after recovery")
	}
}
