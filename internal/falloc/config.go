package falloc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config describes how to open or create a store, loaded from a JSONC
// (JSON-with-comments) file via github.com/tailscale/hujson, the same way
// the teacher CLI loads its own config.
type Config struct {
	DataPath      string `json:"data_path"`       //nolint:tagliatelle // snake_case for config file
	MetaPath      string `json:"meta_path"`       //nolint:tagliatelle // snake_case for config file
	CachePeriodMs int64  `json:"cache_period_ms"` //nolint:tagliatelle // snake_case for config file
	BlockSize     uint64 `json:"block_size"`      //nolint:tagliatelle // snake_case for config file
}

// DefaultConfig returns sane defaults for a new store: a 500ms cache period
// and 4KiB blocks.
func DefaultConfig() Config {
	return Config{
		CachePeriodMs: 500,
		BlockSize:     4096,
	}
}

// LoadConfig reads and parses a JSONC config file at path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, same as os.ReadFile
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if cfg.DataPath == "" {
		return Config{}, fmt.Errorf("config %s: data_path is required", path)
	}

	if cfg.MetaPath == "" {
		return Config{}, fmt.Errorf("config %s: meta_path is required", path)
	}

	if cfg.BlockSize == 0 {
		return Config{}, fmt.Errorf("config %s: block_size must be > 0", path)
	}

	return cfg, nil
}
