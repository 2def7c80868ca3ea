package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ensotriple/internal/storage/pager"
)

// EngineConfig bundles the settings a long-lived engine instance needs
// beyond the file path: page size, WAL capacity, checkpoint thresholds, the
// HLC node id and drift bound, and buffer pool size. It loads from YAML,
// falling back to the defaults below for anything left unset.
type EngineConfig struct {
	PageSize              int    `yaml:"page_size"`
	WALCapacityBytes      uint64 `yaml:"wal_capacity_bytes"`
	MaxCachePages         int    `yaml:"max_cache_pages"`
	NodeID                uint32 `yaml:"node_id"`
	MaxDriftMillis        uint64 `yaml:"max_drift_millis"`
	CheckpointEveryWrites int    `yaml:"checkpoint_every_writes"`
	CheckpointEveryBytes  uint64 `yaml:"checkpoint_every_bytes"`
}

// DefaultEngineConfig returns the documented defaults: 8 KiB pages, a 4 MiB
// WAL region, a 1024-page buffer pool, a 60 s HLC drift bound, and a
// checkpoint trigger at 1000 committed write transactions or 4 MiB of
// serialized triple records written since the last checkpoint.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PageSize:              pager.DefaultPageSize,
		WALCapacityBytes:      pager.DefaultWALCapacityBytes,
		MaxCachePages:         1024,
		MaxDriftMillis:        DefaultMaxDriftMillis,
		CheckpointEveryWrites: 1000,
		CheckpointEveryBytes:  4 * 1024 * 1024,
	}
}

// LoadEngineConfig reads a YAML file into an EngineConfig seeded with
// DefaultEngineConfig, so a file only needs to override what it changes.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, nil
}
