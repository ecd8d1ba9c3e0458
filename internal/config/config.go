// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration surface
// described in SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration tree.
type Config struct {
	Source  RedisEndpoint   `yaml:"source"`
	Targets []TargetEntry   `yaml:"targets"`
	Sync    SyncConfig      `yaml:"sync"`
	Service ServiceConfig   `yaml:"service"`
	WebUI   WebUIConfig     `yaml:"web_ui"`
}

// RedisEndpoint describes one Redis instance to connect to.
type RedisEndpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      TLSConfig `yaml:"tls"`
}

// TargetEntry is one replication destination.
type TargetEntry struct {
	Name     string    `yaml:"name"`
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	Password string    `yaml:"password"`
	DB       int       `yaml:"db"`
	TLS      TLSConfig `yaml:"tls"`
	Enabled  bool      `yaml:"enabled"`
}

// TLSConfig holds optional mTLS material for a Redis connection.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// SyncConfig groups the full-sync and incremental-sync options.
type SyncConfig struct {
	Mode             string              `yaml:"mode"` // full | incremental | hybrid
	FullSync         FullSyncConfig      `yaml:"full_sync"`
	IncrementalSync  IncrementalConfig   `yaml:"incremental_sync"`
}

// FullSyncConfig configures the bulk migrator and its verifier.
type FullSyncConfig struct {
	Pattern          string `yaml:"pattern"`
	BatchSize        int    `yaml:"batch_size"`
	ScanCount        int    `yaml:"scan_count"`
	PreserveTTL      bool   `yaml:"preserve_ttl"`
	VerifyMigration  bool   `yaml:"verify_migration"`
	VerifyMode       string `yaml:"verify_mode"` // fast | full
	VerifySampleSize int    `yaml:"verify_sample_size"`
}

// IncrementalConfig configures the incremental mode and its tuning knobs.
type IncrementalConfig struct {
	Method               string        `yaml:"method"` // scan | sync | psync
	Interval             time.Duration `yaml:"interval"`
	MaxChangesPerSync    int           `yaml:"max_changes_per_sync"`
	KeyPattern           string        `yaml:"key_pattern"`
	KeyTypes             []string      `yaml:"key_types"`
	BufferSize           string        `yaml:"buffer_size"`
	BufferSizeRaw        int64         `yaml:"-"`
	ExtraFilteredCommands []string     `yaml:"extra_filtered_commands"`
	RateLimitBytesPerSec int64         `yaml:"rate_limit_bytes_per_sec"`
}

// PerformanceConfig tunes the fan-out worker pool.
type PerformanceConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// FailoverConfig tunes the replication state machine.
type FailoverConfig struct {
	MaxFailures   int           `yaml:"max_failures"`
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
}

// ReconciliationConfig optionally schedules a periodic forced full-sync.
type ReconciliationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// LoggingConfig mirrors the teacher's LoggingInfo shape.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	FilePath      string `yaml:"file_path"`
	FullSyncLogDir string `yaml:"full_sync_log_dir"`
}

// ServiceConfig groups process-wide tuning and observability options.
type ServiceConfig struct {
	Performance     PerformanceConfig    `yaml:"performance"`
	Failover        FailoverConfig       `yaml:"failover"`
	Reconciliation  ReconciliationConfig `yaml:"reconciliation"`
	Logging         LoggingConfig        `yaml:"logging"`
}

// WebUIConfig configures the status dashboard HTTP server.
type WebUIConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	AllowCIDRs []string `yaml:"allow_cidrs"`
}

// Load reads, parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if c.Source.Port == 0 {
		c.Source.Port = 6379
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets must have at least one entry")
	}
	for i, tgt := range c.Targets {
		if tgt.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if tgt.Host == "" {
			return fmt.Errorf("targets[%d].host is required", i)
		}
		if tgt.Port == 0 {
			c.Targets[i].Port = 6379
		}
	}

	switch c.Sync.Mode {
	case "":
		c.Sync.Mode = "hybrid"
	case "full", "incremental", "hybrid":
	default:
		return fmt.Errorf("sync.mode must be one of full|incremental|hybrid, got %q", c.Sync.Mode)
	}

	if c.Sync.FullSync.BatchSize <= 0 {
		c.Sync.FullSync.BatchSize = 500
	}
	if c.Sync.FullSync.ScanCount <= 0 {
		c.Sync.FullSync.ScanCount = 1000
	}
	if c.Sync.FullSync.VerifyMode == "" {
		c.Sync.FullSync.VerifyMode = "fast"
	}
	if c.Sync.FullSync.VerifyMode != "fast" && c.Sync.FullSync.VerifyMode != "full" {
		return fmt.Errorf("sync.full_sync.verify_mode must be fast|full, got %q", c.Sync.FullSync.VerifyMode)
	}
	if c.Sync.FullSync.VerifySampleSize <= 0 {
		c.Sync.FullSync.VerifySampleSize = 100
	}

	switch c.Sync.IncrementalSync.Method {
	case "":
		c.Sync.IncrementalSync.Method = "scan"
	case "scan", "sync", "psync":
	default:
		return fmt.Errorf("sync.incremental_sync.method must be scan|sync|psync, got %q", c.Sync.IncrementalSync.Method)
	}
	if c.Sync.IncrementalSync.Interval <= 0 {
		c.Sync.IncrementalSync.Interval = 5 * time.Second
	}
	if c.Sync.IncrementalSync.MaxChangesPerSync <= 0 {
		c.Sync.IncrementalSync.MaxChangesPerSync = 1000
	}
	if c.Sync.IncrementalSync.BufferSize == "" {
		c.Sync.IncrementalSync.BufferSize = "16mb"
	}
	bufSize, err := ParseByteSize(c.Sync.IncrementalSync.BufferSize)
	if err != nil {
		return fmt.Errorf("sync.incremental_sync.buffer_size: %w", err)
	}
	c.Sync.IncrementalSync.BufferSizeRaw = bufSize

	if c.Service.Performance.MaxWorkers <= 0 {
		c.Service.Performance.MaxWorkers = 8
	}
	if c.Service.Failover.MaxFailures <= 0 {
		c.Service.Failover.MaxFailures = 3
	}
	if c.Service.Failover.RecoveryDelay <= 0 {
		c.Service.Failover.RecoveryDelay = 30 * time.Second
	}
	if c.Service.Logging.Level == "" {
		c.Service.Logging.Level = "info"
	}
	if c.Service.Logging.Format == "" {
		c.Service.Logging.Format = "json"
	}
	if c.Service.Reconciliation.Enabled && c.Service.Reconciliation.Cron == "" {
		return fmt.Errorf("service.reconciliation.cron is required when reconciliation is enabled")
	}

	if c.WebUI.Port == 0 {
		c.WebUI.Port = 8088
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
// Ported unchanged in shape from the teacher's internal/config package.
func ParseByteSize(s string) (int64, error) {
	return parseByteSize(s)
}
