// Package config loads the global ~/.tgsync/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the file omits a key.
const (
	DefaultGatewayAddr     = "127.0.0.1:8475"
	DefaultHistoryPageSize = 50
	DefaultNotifyDebounce  = 100
	DefaultMigrateGrace    = 100
)

// Config represents the global configuration file.
type Config struct {
	DefaultSession  string `toml:"default_session"`
	GatewayAddr     string `toml:"gateway_addr"`
	HistoryPageSize int    `toml:"history_page_size"`
	// NotifyDebounceMS batches change notifications, in milliseconds.
	NotifyDebounceMS int `toml:"notify_debounce_ms"`
	// MigrateGraceMS delays dropping a migrated dialog, in milliseconds.
	MigrateGraceMS int `toml:"migrate_grace_ms"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		GatewayAddr:      DefaultGatewayAddr,
		HistoryPageSize:  DefaultHistoryPageSize,
		NotifyDebounceMS: DefaultNotifyDebounce,
		MigrateGraceMS:   DefaultMigrateGrace,
	}
}

// Load reads config from the given path, filling defaults for omitted keys.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.GatewayAddr == "" {
		cfg.GatewayAddr = DefaultGatewayAddr
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}
	if cfg.NotifyDebounceMS < 0 {
		cfg.NotifyDebounceMS = DefaultNotifyDebounce
	}
	if cfg.MigrateGraceMS < 0 {
		cfg.MigrateGraceMS = DefaultMigrateGrace
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
