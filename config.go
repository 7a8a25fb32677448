package ariesql

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig configures an Engine's storage layout, buffer pool sizing,
// and background checkpointing. LockWaitTimeout is loaded and defaulted
// but nothing reads it: lock waits have no deadline. The zero value opens
// (or creates) DBPath with the pager's own defaults.
type EngineConfig struct {
	DBPath             string        `yaml:"db_path"`
	WALPath            string        `yaml:"wal_path"`
	PageSize           int           `yaml:"page_size"`
	BufferPoolPages    int           `yaml:"buffer_pool_pages"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	LockWaitTimeout    time.Duration `yaml:"lock_wait_timeout"`
}

// LoadConfigFile reads an EngineConfig from a YAML file, the way the
// teacher's own migration/config tooling loads its settings.
func LoadConfigFile(path string) (EngineConfig, error) {
	var cfg EngineConfig
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, &Error{Kind: KindIO, Err: err}
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, &Error{Kind: KindIO, Err: err}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills unset fields with the engine's standing defaults.
// PageSize and BufferPoolPages are left at zero so the pager's own
// defaults (DefaultPageSize, 1024 cache pages) apply unless overridden.
func (c *EngineConfig) applyDefaults() {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Minute
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 30 * time.Second
	}
}
