package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/borgmanager/borgmanager/pkg/stores"
	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

// Config is the borgmanager application configuration.
type Config struct {
	// Database configures the SQLite catalog file.
	Database DatabaseConfig `koanf:"database"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `koanf:"telemetry"`

	// Watch configures the inbox watcher.
	Watch WatchConfig `koanf:"watch"`
}

// DatabaseConfig configures the SQLite catalog file.
type DatabaseConfig struct {
	// Path is the database file.
	Path string `koanf:"path" validate:"required"`

	// BusyTimeout is how long a connection waits on a locked file.
	BusyTimeout time.Duration `koanf:"busy_timeout" validate:"gte=0"`

	// JournalMode is the SQLite journal mode.
	JournalMode string `koanf:"journal_mode" validate:"oneof=WAL DELETE TRUNCATE PERSIST MEMORY OFF"`

	// Synchronous is the SQLite synchronous mode.
	Synchronous string `koanf:"synchronous" validate:"oneof=OFF NORMAL FULL EXTRA"`
}

// WatchConfig configures the inbox watcher.
type WatchConfig struct {
	// Patterns are the file name globs that are ingested.
	Patterns []string `koanf:"patterns" validate:"min=1,dive,required"`

	// Rescan is a cron spec for full rescans of the inbox; empty disables them.
	Rescan string `koanf:"rescan"`

	// Settle is how long a file must be quiet before it is ingested.
	Settle time.Duration `koanf:"settle" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "borgmanager.db",
			BusyTimeout: 5 * time.Second,
			JournalMode: "WAL",
			Synchronous: "NORMAL",
		},
		Telemetry: *telemetry.DefaultConfig(),
		Watch: WatchConfig{
			Patterns: []string{"*.log", "*.txt"},
			Rescan:   "@every 5m",
			Settle:   500 * time.Millisecond,
		},
	}
}

// StoreConfig returns the record store settings for the database.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:        c.Database.Path,
		BusyTimeout: c.Database.BusyTimeout,
		JournalMode: c.Database.JournalMode,
		Synchronous: c.Database.Synchronous,
	}
}

// normalize upper-cases the SQLite mode names.
func (c *Config) normalize() {
	c.Database.JournalMode = strings.ToUpper(c.Database.JournalMode)
	c.Database.Synchronous = strings.ToUpper(c.Database.Synchronous)
}

// validateCustom checks what the struct tags cannot express.
func (c *Config) validateCustom() error {
	if c.Watch.Rescan != "" {
		if _, err := cron.ParseStandard(c.Watch.Rescan); err != nil {
			return fmt.Errorf("watch.rescan: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
