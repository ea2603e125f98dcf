// Package config loads the storage node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	"github.com/vinaypunrao68/fds-src-sub013/internal/transport"
)

// Config is the node configuration file.
type Config struct {
	NodeID      string `yaml:"node_id"`
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	// InMemory keeps objects in memory only.
	InMemory     bool `yaml:"in_memory"`
	BitsPerToken uint `yaml:"bits_per_token"`
	// Verbosity is the logr V level that is printed.
	Verbosity int `yaml:"verbosity"`

	// Peers maps node ids to their RESP addresses.
	Peers map[string]string `yaml:"peers"`

	Store     StoreConfig     `yaml:"store"`
	Migration MigrationConfig `yaml:"migration"`
	Transport TransportConfig `yaml:"transport"`
}

type StoreConfig struct {
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
	SyncWrites   bool          `yaml:"sync_writes"`
}

type MigrationConfig struct {
	FilterChunkSize      int           `yaml:"filter_chunk_size"`
	DeltaBatchSize       int           `yaml:"delta_batch_size"`
	MaxInflightBatches   int           `yaml:"max_inflight_batches"`
	Rounds               int           `yaml:"rounds"`
	SequenceTimeout      time.Duration `yaml:"sequence_timeout"`
	SendTimeout          time.Duration `yaml:"send_timeout"`
	ImportFilterCapacity uint          `yaml:"import_filter_capacity"`
}

type TransportConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	mc := migration.DefaultConfig()
	sc := store.DefaultConfig()
	tc := transport.DefaultConfig()
	return &Config{
		Addr:         ":7000",
		MetricsAddr:  ":9100",
		DataDir:      "./data",
		BitsPerToken: sc.BitsPerToken,
		Peers:        map[string]string{},
		Store: StoreConfig{
			TombstoneTTL: sc.TombstoneTTL,
		},
		Migration: MigrationConfig{
			FilterChunkSize:      mc.FilterChunkSize,
			DeltaBatchSize:       mc.DeltaBatchSize,
			MaxInflightBatches:   mc.MaxInflightBatches,
			Rounds:               mc.Rounds,
			SequenceTimeout:      mc.SequenceTimeout,
			SendTimeout:          mc.SendTimeout,
			ImportFilterCapacity: mc.ImportFilterCapacity,
		},
		Transport: TransportConfig{
			DialTimeout: tc.DialTimeout,
			IOTimeout:   tc.IOTimeout,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Peers == nil {
		cfg.Peers = map[string]string{}
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return fmt.Errorf("node_id is required")
	case c.Addr == "":
		return fmt.Errorf("addr is required")
	case c.BitsPerToken > placement.MaxBitsPerToken:
		return fmt.Errorf("bits_per_token %d exceeds %d", c.BitsPerToken, placement.MaxBitsPerToken)
	case c.Migration.Rounds != 1 && c.Migration.Rounds != 2:
		return fmt.Errorf("migration.rounds must be 1 or 2, got %d", c.Migration.Rounds)
	case c.Migration.SequenceTimeout < 0:
		return fmt.Errorf("migration.sequence_timeout must not be negative")
	}
	for id, addr := range c.Peers {
		if addr == "" {
			return fmt.Errorf("peer %s has no address", id)
		}
	}
	return nil
}

// StoreOptions returns the object store settings.
func (c *Config) StoreOptions(log logr.Logger) *store.Config {
	sc := store.DefaultConfig()
	sc.Path = filepath.Join(c.DataDir, "objects")
	sc.InMemory = c.InMemory
	sc.BitsPerToken = c.BitsPerToken
	sc.SyncWrites = c.Store.SyncWrites
	if c.Store.TombstoneTTL > 0 {
		sc.TombstoneTTL = c.Store.TombstoneTTL
	}
	sc.Logger = log
	return sc
}

// MigrationOptions returns the migration manager settings.
func (c *Config) MigrationOptions(log logr.Logger) *migration.Config {
	mc := migration.DefaultConfig()
	mc.NodeID = c.NodeID
	mc.FilterChunkSize = c.Migration.FilterChunkSize
	mc.DeltaBatchSize = c.Migration.DeltaBatchSize
	mc.MaxInflightBatches = c.Migration.MaxInflightBatches
	mc.Rounds = c.Migration.Rounds
	mc.SequenceTimeout = c.Migration.SequenceTimeout
	mc.SendTimeout = c.Migration.SendTimeout
	mc.ImportFilterCapacity = c.Migration.ImportFilterCapacity
	mc.Logger = log
	return mc
}

// TransportOptions returns the peer client settings.
func (c *Config) TransportOptions(log logr.Logger) *transport.Config {
	tc := transport.DefaultConfig()
	for id, addr := range c.Peers {
		tc.Peers[id] = addr
	}
	if c.Transport.DialTimeout > 0 {
		tc.DialTimeout = c.Transport.DialTimeout
	}
	if c.Transport.IOTimeout > 0 {
		tc.IOTimeout = c.Transport.IOTimeout
	}
	tc.Logger = log
	return tc
}
