package fsio_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/pkg/fsio"
)

func Test_Fault_FailNth_Fails_Only_The_Configured_Call(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meta")
	boom := errors.New("boom")

	fault := fsio.NewFault(fsio.NewReal())
	fault.FailNth("WriteFileAtomic", 2, boom)

	require.NoError(t, fault.WriteFileAtomic(path, []byte("first"), 0o600))

	err := fault.WriteFileAtomic(path, []byte("second"), 0o600)
	require.Error(t, err)
	require.True(t, fsio.IsInjected(err))
	require.ErrorIs(t, err, boom)

	require.NoError(t, fault.WriteFileAtomic(path, []byte("third"), 0o600))

	got, err := fault.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("third"), got)
}

func Test_Fault_Without_Configuration_Passes_Through(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meta")

	fault := fsio.NewFault(fsio.NewReal())
	require.NoError(t, fault.WriteFileAtomic(path, []byte("x"), 0o600))

	got, err := fault.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)
}

func Test_IsInjected_Is_False_For_Ordinary_Errors(t *testing.T) {
	t.Parallel()

	require.False(t, fsio.IsInjected(errors.New("ordinary")))
}
