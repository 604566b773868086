package fsio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/pkg/fsio"
)

func Test_Real_WriteFileAtomic_Then_ReadFile_Round_Trips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot")
	real := fsio.NewReal()

	require.NoError(t, real.WriteFileAtomic(path, []byte("hello"), 0o600))

	got, err := real.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func Test_Real_WriteFileAtomic_Never_Leaves_A_Partial_File_Visible(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot")
	real := fsio.NewReal()

	require.NoError(t, real.WriteFileAtomic(path, []byte("first"), 0o600))
	require.NoError(t, real.WriteFileAtomic(path, []byte("second, and longer"), 0o600))

	got, err := real.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("second, and longer"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file should remain after a successful atomic write")
}

func Test_Real_OpenFile_Respects_Flags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	real := fsio.NewReal()

	_, err := real.OpenFile(path, os.O_RDONLY, 0o600)
	require.Error(t, err, "O_RDONLY without O_CREATE on a missing file must fail")

	f, err := real.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := real.Stat(path)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func Test_Real_Remove_Deletes_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	real := fsio.NewReal()

	require.NoError(t, real.WriteFileAtomic(path, []byte("x"), 0o600))
	require.NoError(t, real.Remove(path))

	_, err := real.Stat(path)
	require.True(t, os.IsNotExist(err))
}
