// Package config loads the YAML configuration file describing which IMAP
// accounts to fetch from and how. Every field has a usable zero value, so a
// config file is optional: a caller that wants to wire everything up from
// flags or environment variables instead can build a Config by hand.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eslider/mailkit/internal/fetchloop"
	"github.com/eslider/mailkit/internal/imap"
)

// Account describes one IMAP mailbox to fetch from.
type Account struct {
	Name        string `yaml:"name"`
	Addr        string `yaml:"addr"`
	TLS         bool   `yaml:"tls"`
	User        string `yaml:"user"`
	Pass        string `yaml:"pass"`
	Mailbox     string `yaml:"mailbox"`
	Delete      bool   `yaml:"delete"`
	MaildirRoot string `yaml:"maildir_root"`
	// BackupMailbox, when set, is created on this account's server (if
	// absent) and every fetched message is COPYed there before local
	// delivery, server-side and independent of the local processor.
	BackupMailbox string `yaml:"backup_mailbox"`
}

// Config is the top-level shape of the YAML config file.
type Config struct {
	DBPath      string        `yaml:"db_path"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	StatusAddr  string        `yaml:"status_addr"`
	Accounts    []Account     `yaml:"accounts"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &cfg, nil
}

// DialConfig builds the imap.DialConfig for this account.
func (a Account) DialConfig(timeout time.Duration) imap.DialConfig {
	return imap.DialConfig{
		Addr:    a.Addr,
		UseTLS:  a.TLS,
		Timeout: timeout,
	}
}

// Mode returns the fetchloop.Mode implied by Delete.
func (a Account) Mode() fetchloop.Mode {
	if a.Delete {
		return fetchloop.ModeFetchAndDelete
	}
	return fetchloop.ModeFetchAll
}
