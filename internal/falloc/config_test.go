package falloc_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkvstore/falloc/internal/falloc"
)

func Test_LoadConfig_Parses_JSONC_With_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "falloc.jsonc")

	content := `{
		// where the data lives
		"data_path": "/var/lib/falloc/store.data",
		"meta_path": "/var/lib/falloc/store.meta",
		"cache_period_ms": 250,
		"block_size": 8192, // trailing comma below is allowed in hujson
	}`

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := falloc.LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/falloc/store.data", cfg.DataPath)
	require.Equal(t, "/var/lib/falloc/store.meta", cfg.MetaPath)
	require.Equal(t, int64(250), cfg.CachePeriodMs)
	require.Equal(t, uint64(8192), cfg.BlockSize)
}

func Test_LoadConfig_Fills_In_Defaults_For_Omitted_Fields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "falloc.jsonc")

	content := `{
		"data_path": "store.data",
		"meta_path": "store.meta",
	}`

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := falloc.LoadConfig(path)
	require.NoError(t, err)

	want := falloc.DefaultConfig()
	require.Equal(t, want.CachePeriodMs, cfg.CachePeriodMs)
	require.Equal(t, want.BlockSize, cfg.BlockSize)
}

func Test_LoadConfig_Rejects_Missing_Required_Fields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "falloc.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"meta_path": "m"}`), 0o600))

	_, err := falloc.LoadConfig(path)
	require.ErrorContains(t, err, "data_path")
}

func Test_LoadConfig_Rejects_Invalid_JSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "falloc.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := falloc.LoadConfig(path)
	require.Error(t, err)
}

func Test_LoadConfig_Missing_File_Returns_Error(t *testing.T) {
	t.Parallel()

	_, err := falloc.LoadConfig(filepath.Join(t.TempDir(), "nope.jsonc"))
	require.Error(t, err)
}
