// Package config loads a node's YAML configuration file, per spec.md §6.
// Flag overrides are applied by cmd/server; there are no environment
// overrides.
//
// The teacher's cmd/server/main.go takes every setting as a flag with no
// file at all; gopkg.in/yaml.v3 sits in its go.mod only as cobra's
// transitive dependency, unused. This package is where that latent
// dependency gets an actual job: a YAML file is the base configuration,
// flags (wired in cmd/server) override individual fields afterward,
// matching the flag-driven feel of the original entrypoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gossipkv/internal/resolve"
)

// SyncConfig mirrors spec.md §6's "sync" key.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ChunkSize      int           `yaml:"chunkSize"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	InitialTimeout time.Duration `yaml:"initialTimeout"`
}

// ConflictConfig mirrors spec.md §6's "conflict" key. CustomResolvers names
// strategies the operator intends to register in code (resolve.Resolver
// has no way to load Go code from YAML). Validate accepts a strategy name
// listed here; it does not check that a resolver was registered under it.
type ConflictConfig struct {
	DefaultStrategy string            `yaml:"defaultStrategy"`
	PathStrategies  map[string]string `yaml:"pathStrategies"`
	CustomResolvers []string          `yaml:"customResolvers"`
}

// StoreConfig mirrors spec.md §6's "store" key.
type StoreConfig struct {
	MaxVersions int   `yaml:"maxVersions"`
	MaxLogSize  int64 `yaml:"maxLogSize"`
	DataDir     string `yaml:"dataDir"`
}

// NetConfig mirrors spec.md §6's "net" key.
type NetConfig struct {
	MaxHops          int `yaml:"maxHops"`
	MessageCacheSize int `yaml:"messageCacheSize"`
	MaxQueue         int `yaml:"maxQueue"`
}

// Config is the full node configuration.
type Config struct {
	Port     int        `yaml:"port"`
	NodeID   string     `yaml:"nodeId"`
	Peers    []string   `yaml:"peers"`
	Sync     SyncConfig `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Store    StoreConfig    `yaml:"store"`
	Net      NetConfig      `yaml:"net"`
}

// Default returns a Config with every spec.md §6 default filled in.
func Default() Config {
	return Config{
		Port:   8080,
		NodeID: "",
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			ChunkSize:      50,
			MaxAttempts:    3,
			RetryInterval:  5 * time.Second,
			InitialTimeout: 30 * time.Second,
		},
		Conflict: ConflictConfig{
			DefaultStrategy: string(resolve.VectorDominance),
		},
		Store: StoreConfig{
			MaxVersions: 20,
			DataDir:     "/tmp/gossipkv",
		},
		Net: NetConfig{
			MaxHops:          32,
			MessageCacheSize: 10000,
			MaxQueue:         1000,
		},
	}
}

// Load reads and parses a YAML file at path on top of Default(), so an
// operator's file only needs to name what it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §6 and §7 require before a node
// can start: a non-empty strategy name, and that every pathStrategies
// entry names either a built-in strategy or a declared custom resolver.
func (c Config) Validate() error {
	if !isKnownStrategy(c.Conflict.DefaultStrategy, c.Conflict.CustomResolvers) {
		return fmt.Errorf("config: unknown default conflict strategy %q", c.Conflict.DefaultStrategy)
	}
	for prefix, strat := range c.Conflict.PathStrategies {
		if !isKnownStrategy(strat, c.Conflict.CustomResolvers) {
			return fmt.Errorf("config: unknown conflict strategy %q for prefix %q", strat, prefix)
		}
	}
	return nil
}

func isKnownStrategy(name string, customNames []string) bool {
	switch resolve.Strategy(name) {
	case resolve.VectorDominance, resolve.LastWriteWins, resolve.FirstWriteWins, resolve.MergeFields:
		return true
	}
	for _, c := range customNames {
		if c == name {
			return true
		}
	}
	return false
}
