package falloc_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/internal/falloc"
	"github.com/dkvstore/falloc/pkg/fsio"
)

func openTestDataFile(t *testing.T) fsio.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)

	t.Cleanup(func() { _ = f.Close() })

	return f
}

func Test_Allocation_WriteAll_Then_ReadAll_Round_Trips_Exact_Bytes(t *testing.T) {
	t.Parallel()

	f := openTestDataFile(t)

	alloc := &falloc.Allocation{
		FullSize: 10,
		Extents:  []falloc.Extent{{Start: 0, Length: 16}},
	}

	data := bytes.Repeat([]byte{0x40}, 10)

	require.NoError(t, alloc.WriteAll(f, data))

	got, err := alloc.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func Test_Allocation_ReadAll_Spans_Multiple_Disjoint_Extents(t *testing.T) {
	t.Parallel()

	f := openTestDataFile(t)

	// Two extents far apart in the file, logical size spans both.
	_, err := f.WriteAt(bytes.Repeat([]byte{0xAA}, 8), 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xBB}, 8), 1000)
	require.NoError(t, err)

	alloc := &falloc.Allocation{
		FullSize: 12,
		Extents: []falloc.Extent{
			{Start: 0, Length: 8},
			{Start: 1000, Length: 8},
		},
	}

	got, err := alloc.ReadAll(f)
	require.NoError(t, err)

	want := append(bytes.Repeat([]byte{0xAA}, 8), bytes.Repeat([]byte{0xBB}, 4)...)
	require.Equal(t, want, got)
}

func Test_Allocation_ReadAll_Never_Exposes_Tail_Padding(t *testing.T) {
	t.Parallel()

	f := openTestDataFile(t)

	_, err := f.WriteAt(bytes.Repeat([]byte{0xFF}, 16), 0)
	require.NoError(t, err)

	alloc := &falloc.Allocation{FullSize: 5, Extents: []falloc.Extent{{Start: 0, Length: 16}}}

	got, err := alloc.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 5), got)
}
