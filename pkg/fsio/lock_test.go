package fsio_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/pkg/fsio"
)

func Test_Locker_TryLock_Then_Close_Allows_Reacquisition(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.lock")
	locker := fsio.NewLocker(fsio.NewReal())

	lock, err := locker.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	lock2, err := locker.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, lock2.Close())
}

func Test_Locker_TryLock_Second_Caller_Gets_ErrWouldBlock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.lock")
	locker := fsio.NewLocker(fsio.NewReal())

	lock, err := locker.TryLock(path)
	require.NoError(t, err)
	defer func() { _ = lock.Close() }()

	_, err = locker.TryLock(path)
	require.ErrorIs(t, err, fsio.ErrWouldBlock)
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.lock")
	locker := fsio.NewLocker(fsio.NewReal())

	lock, err := locker.TryLock(path)
	require.NoError(t, err)

	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
}

func Test_Lock_Close_On_Nil_Lock_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	var lock *fsio.Lock
	require.NoError(t, lock.Close())
}
