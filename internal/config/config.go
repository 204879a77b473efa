// Package config loads the process-wide configuration, read once at start.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config is every value the control plane needs at startup. It is decoded
// from a single JSON file and never re-read for the life of the process.
type Config struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`

	MasterDBConnectionString string `json:"master_db_connection_string"`

	EncryptionKey string `json:"encryption_key"`
	APIKeySalt    string `json:"api_key_salt"`

	DefaultSSLMode string `json:"default_ssl_mode"`

	MaxQueryTimeSeconds           int `json:"max_query_time_seconds"`
	MaxRowsPerQuery               int `json:"max_rows_per_query"`
	DefaultPageSize               int `json:"default_page_size"`
	MinPoolSize                   int `json:"min_pool_size"`
	MaxPoolSize                   int `json:"max_pool_size"`
	PasswordExpiryDays             int `json:"password_expiry_days"`
	PasswordResetTokenExpiryHours int `json:"password_reset_token_expiry_hours"`

	NotifierConnectionString string `json:"notifier_connection_string"`
	NotifierSender            string `json:"notifier_sender"`

	// PasswordExpirySweepCron is a standard 5-field cron expression
	// controlling how often the password-expiry job (C14) runs.
	PasswordExpirySweepCron string `json:"password_expiry_sweep_cron"`
}

// Load reads, defaults, and validates the configuration at configFile.
func Load(configFile string) (*Config, error) {
	if configFile == "" {
		return nil, errors.New("must provide a config file")
	}

	file, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}

	cfg.FillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config contents: %w", err)
	}

	return cfg, nil
}

// FillDefaults applies the documented defaults for any value left at its
// JSON zero value.
func (c *Config) FillDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultSSLMode == "" {
		c.DefaultSSLMode = "require"
	}
	if c.MaxQueryTimeSeconds == 0 {
		c.MaxQueryTimeSeconds = 30
	}
	if c.MaxRowsPerQuery == 0 {
		c.MaxRowsPerQuery = 10000
	}
	if c.DefaultPageSize == 0 {
		c.DefaultPageSize = 100
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = 1
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 3
	}
	if c.PasswordExpiryDays == 0 {
		c.PasswordExpiryDays = 90
	}
	if c.PasswordResetTokenExpiryHours == 0 {
		c.PasswordResetTokenExpiryHours = 24
	}
	if c.PasswordExpirySweepCron == "" {
		c.PasswordExpirySweepCron = "0 3 * * *"
	}
}

// Validate enforces the invariants the rest of the system depends on being
// true at startup, so a misconfigured deployment fails fast rather than
// producing confusing errors on the first request.
func (c Config) Validate() error {
	if c.LogLevel == "" {
		return errors.New("must provide a non-empty log_level")
	}
	if c.MasterDBConnectionString == "" {
		return errors.New("must provide a non-empty master_db_connection_string")
	}
	if c.EncryptionKey == "" {
		return errors.New("must provide a non-empty encryption_key")
	}
	if c.APIKeySalt == "" {
		return errors.New("must provide a non-empty api_key_salt")
	}
	if c.MaxQueryTimeSeconds <= 0 || c.MaxQueryTimeSeconds > 60 {
		return errors.New("max_query_time_seconds must be between 1 and 60")
	}
	if c.MinPoolSize <= 0 || c.MaxPoolSize < c.MinPoolSize {
		return errors.New("min_pool_size must be positive and max_pool_size must be >= min_pool_size")
	}
	return nil
}
