// Package config loads the YAML configuration for a dirstore process:
// which backend is active, its data directory, retry and cache
// tuning, change-log destination, logging, and metrics options.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend selects which storage backend a dirstore process runs.
type Backend string

const (
	BackendKV Backend = "kv"
	BackendFS Backend = "fs"
)

// ChangeLogConfig configures the append-only change log writer.
type ChangeLogConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Path     string          `yaml:"path"`
	Replicas []ReplicaConfig `yaml:"replicas"`
}

// ReplicaConfig is one `replica uri=... suffix=...` entry from
// spec.md §6's configuration table: a downstream consumer and the
// subtree of the naming context it replicates.
type ReplicaConfig struct {
	URI    string `yaml:"uri"`
	Suffix string `yaml:"suffix"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures pkg/metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the top-level configuration for a dirstore process.
type Config struct {
	Backend Backend `yaml:"backend"`
	DataDir string  `yaml:"data_dir"`

	// Suffix is the DN of the naming context's root entry, e.g.
	// "dc=example,dc=com". It is the one DN either backend will accept
	// with no pre-existing parent.
	Suffix string `yaml:"suffix"`

	// MaxRetries bounds the write orchestrator's deadlock-retry loop.
	// 0 means unbounded.
	MaxRetries int `yaml:"max_retries"`

	// CacheSize is the maximum number of entries held in the entry
	// cache (C8). 0 falls back to DefaultCacheSize.
	CacheSize int `yaml:"cache_size"`

	// Index maps an attribute name to its syntax name ("directorystring",
	// "integer", "boolean", "dn", "octetstring"), one entry per
	// `index attr flags` line of spec.md §6's configuration table. Only
	// the KV backend (C5/C6) uses this; the filesystem backend has no
	// attribute index.
	//
	// The flags column of that config row names eq|sub|pres|approx
	// index types; this map can only express eq (the syntax picks an
	// exact-match tokenizer). sub/pres/approx indexing is not
	// implemented, so those flags cannot be configured at all yet —
	// see pkg/storage/kv/index.go's tokenize.
	Index map[string]string `yaml:"index"`

	ChangeLog ChangeLogConfig `yaml:"change_log"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DefaultCacheSize is applied when CacheSize is left at its zero value.
const DefaultCacheSize = 10000

// DefaultMaxRetries is the suggested starting point for max_retries
// in a hand-written config file. It is not applied by Load: a plain
// YAML int can't distinguish "omitted" from "explicitly 0", and 0
// means unbounded, so an omitted max_retries also means unbounded
// rather than silently adopting this default.
const DefaultMaxRetries = 10

// Load reads and parses the YAML file at path, applying defaults for
// backend, cache_size, log.level and metrics.addr when the file leaves
// them at their zero value. Other fields keep whatever the file says.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendKV
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate reports a descriptive error for a Config that cannot be
// used to start a process, e.g. an unset data directory or unknown
// backend.
func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.Suffix == "" {
		return fmt.Errorf("suffix is required")
	}
	switch cfg.Backend {
	case BackendKV, BackendFS:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", cfg.Backend, BackendKV, BackendFS)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if cfg.ChangeLog.Enabled && cfg.ChangeLog.Path == "" {
		return fmt.Errorf("change_log.path is required when change_log.enabled is true")
	}
	for i, r := range cfg.ChangeLog.Replicas {
		if r.URI == "" || r.Suffix == "" {
			return fmt.Errorf("change_log.replicas[%d] requires both uri and suffix", i)
		}
	}
	return nil
}
