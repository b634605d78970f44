// Package config handles loading msgnarrow configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/wesm/msgnarrow/internal/events"
	"github.com/wesm/msgnarrow/internal/query"
)

// Config represents the msgnarrow configuration.
type Config struct {
	Data   DataConfig   `toml:"data"`
	Narrow NarrowConfig `toml:"narrow"`
	Events EventsConfig `toml:"events"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// NarrowConfig holds query engine settings.
type NarrowConfig struct {
	LegacyBridgeRealms []int64 `toml:"legacy_bridge_realms"` // realms using bridged stream/topic matching
	StrictInvariants   bool    `toml:"strict_invariants"`    // panic on an unsafe access regime
	MaxFetch           int     `toml:"max_fetch"`            // cap on num_before and num_after
}

// EventsConfig holds event delivery settings.
type EventsConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"` // empty: events are only logged
	KafkaTopic   string   `toml:"kafka_topic"`
}

// DefaultHome returns the default msgnarrow home directory.
// Respects MSGNARROW_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MSGNARROW_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".msgnarrow"
	}
	return filepath.Join(home, ".msgnarrow")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.msgnarrow/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Narrow: NarrowConfig{
			MaxFetch: query.DefaultMaxFetch,
		},
		Events: EventsConfig{
			KafkaTopic: events.DefaultTopic,
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Narrow.MaxFetch <= 0 {
		return nil, fmt.Errorf("narrow.max_fetch must be positive, got %d", cfg.Narrow.MaxFetch)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.Data.DatabaseURL = expandPath(cfg.Data.DatabaseURL)

	return cfg, nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "msgnarrow.db")
}

// EngineConfig returns the query engine settings.
func (c *Config) EngineConfig() query.Config {
	return query.Config{
		MaxFetch:           c.Narrow.MaxFetch,
		Strict:             c.Narrow.StrictInvariants,
		LegacyBridgeRealms: c.Narrow.LegacyBridgeRealms,
	}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
