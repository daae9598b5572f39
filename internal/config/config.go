// Package config reads the daemon's policy knobs from a TOML file. The file
// is read once at startup; hot reload is not supported.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML decoding ("90s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	// PersistSessions is the default backing for new terminals: host-backed
	// when true, direct child processes when false.
	PersistSessions bool `toml:"persist_sessions"`
	// AutoRestore re-registers surviving host sessions at startup.
	AutoRestore bool `toml:"auto_restore"`
	// SessionTTLDays is the maximum age of a detached or orphaned session.
	// Zero expires immediately; negative disables TTL cleanup.
	SessionTTLDays int `toml:"session_ttl_days"`
	// MaxOrphanedSessions bounds orphan accumulation; negative disables.
	MaxOrphanedSessions int `toml:"max_orphaned_sessions"`
	// HealthInterval is the health monitor's tick interval.
	HealthInterval Duration `toml:"health_interval"`
	// ShutdownTimeout bounds the final detach/kill pass at exit.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// DataDir holds the terminal store database.
	DataDir string `toml:"data_dir"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		PersistSessions:     true,
		AutoRestore:         true,
		SessionTTLDays:      7,
		MaxOrphanedSessions: 10,
		HealthInterval:      Duration{time.Minute},
		ShutdownTimeout:     Duration{10 * time.Second},
		DataDir:             filepath.Join(home, ".local", "share", "moor"),
	}
}

// DefaultPath is where Load looks when no -config flag is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "moor", "config.toml")
}

// Load reads path over the defaults. A missing file is not an error: first
// runs get the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// TTL converts SessionTTLDays to a duration, preserving the negative
// "disabled" convention.
func (c Config) TTL() time.Duration {
	if c.SessionTTLDays < 0 {
		return -1
	}
	return time.Duration(c.SessionTTLDays) * 24 * time.Hour
}

// DatabasePath is the terminal store location under DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "terminals.db")
}
