// Package config loads the TOML configuration recognized by coremail
// (spec.md §6): listener ports, JWT signing parameters, account-lockout
// tuning, and the storage connection string.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration document.
type Config struct {
	Ports          Ports          `toml:"Ports"`
	Jwt            Jwt            `toml:"Jwt"`
	AccountLockout AccountLockout `toml:"AccountLockout"`
	Storage        Storage        `toml:"Storage"`
}

// Ports holds the TCP ports each protocol server listens on.
type Ports struct {
	SMTP int `toml:"SMTP"`
	IMAP int `toml:"IMAP"`
	POP3 int `toml:"POP3"`
}

// Jwt holds HTTP-surface token signing parameters.
type Jwt struct {
	Secret   string `toml:"Secret"`
	Issuer   string `toml:"Issuer"`
	Audience string `toml:"Audience"`
}

// AccountLockout tunes the §4.C authentication lockout state machine.
type AccountLockout struct {
	Enabled                bool `toml:"Enabled"`
	MaxFailedAttempts      int  `toml:"MaxFailedAttempts"`
	LockoutDurationMinutes int  `toml:"LockoutDurationMinutes"`
	ResetWindowMinutes     int  `toml:"ResetWindowMinutes"`
}

// LockoutDuration returns the configured lockout window as a Duration.
func (a AccountLockout) LockoutDuration() time.Duration {
	return time.Duration(a.LockoutDurationMinutes) * time.Minute
}

// ResetWindow returns the configured failure-counter reset window.
func (a AccountLockout) ResetWindow() time.Duration {
	return time.Duration(a.ResetWindowMinutes) * time.Minute
}

// Storage holds the relational store location and the on-disk root
// attachments are spilled under (spec.md's
// "{storage_root}/attachments/{file_guid}{file_extension}" layout).
type Storage struct {
	ConnectionString string `toml:"ConnectionString"`
	AttachmentRoot   string `toml:"AttachmentRoot"`
}

// Default returns a Config populated with spec.md's documented defaults.
func Default() Config {
	return Config{
		Ports: Ports{SMTP: 587, IMAP: 143, POP3: 110},
		AccountLockout: AccountLockout{
			Enabled:                true,
			MaxFailedAttempts:      5,
			LockoutDurationMinutes: 15,
			ResetWindowMinutes:     60,
		},
		Storage: Storage{ConnectionString: "coremail.db", AttachmentRoot: "coremail-data"},
	}
}

// Load reads and parses a TOML configuration file, filling any
// unspecified field with the value from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
