package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the complete configuration of vaultd, the driver
// process that holds the pool lock and runs backups against a fleet
// of agents (spec.md §4.10).
type ServerConfig struct {
	Pool    PoolConfig           `yaml:"pool"`
	TLS     TLSPair              `yaml:"tls"`
	Hosts   map[string]HostEntry `yaml:"hosts"`
	Backup  BackupPolicy         `yaml:"backup"`
	Logging LoggingInfo          `yaml:"logging"`
}

// PoolConfig locates the pool root (spec.md §3: chunk shards, REFCNT,
// unused, lock, and a "hosts" directory of per-host state) and names
// the cooperative lock this server takes (spec.md §4.1).
type PoolConfig struct {
	Path         string `yaml:"path"`
	LockName     string `yaml:"lock_name"` // default: "vaultd"
	MinFree      string `yaml:"min_free"`  // e.g. "1gb"; empty disables the check
	MinFreeBytes uint64 `yaml:"-"`
}

// HostsDir is "<pool>/hosts", the parent of every host's backup.yml
// and numbered backup directories.
func (p PoolConfig) HostsDir() string { return filepath.Join(p.Path, "hosts") }

// HostDir is "<pool>/hosts/<hostname>".
func (p PoolConfig) HostDir(hostname string) string { return filepath.Join(p.HostsDir(), hostname) }

// HostEntry is one host this server backs up: where to dial its agent
// and which of the agent's configured shares to include.
type HostEntry struct {
	Address   string   `yaml:"address"`
	Shares    []string `yaml:"shares"`
	AuthToken string   `yaml:"auth_token"`
}

// BackupPolicy bounds one backup run's wall-clock duration (spec.md
// §4.10's max_backup_seconds, enforced via context.WithTimeout in
// internal/driver).
type BackupPolicy struct {
	MaxDuration    string        `yaml:"max_duration"` // e.g. "12h"
	MaxDurationRaw time.Duration `yaml:"-"`
}

// LoadServerConfig reads and validates vaultd's YAML config.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Pool.Path == "" {
		return fmt.Errorf("pool.path is required")
	}
	if c.Pool.LockName == "" {
		c.Pool.LockName = "vaultd"
	}
	if c.Pool.MinFree != "" {
		n, err := ParseByteSize(c.Pool.MinFree)
		if err != nil {
			return fmt.Errorf("pool.min_free: %w", err)
		}
		c.Pool.MinFreeBytes = uint64(n)
	}

	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.Cert == "" {
		return fmt.Errorf("tls.cert is required")
	}
	if c.TLS.Key == "" {
		return fmt.Errorf("tls.key is required")
	}

	if len(c.Hosts) == 0 {
		return fmt.Errorf("hosts must have at least one entry")
	}
	for name, h := range c.Hosts {
		if h.Address == "" {
			return fmt.Errorf("hosts.%s.address is required", name)
		}
		if len(h.Shares) == 0 {
			return fmt.Errorf("hosts.%s.shares must have at least one entry", name)
		}
		if h.AuthToken == "" {
			return fmt.Errorf("hosts.%s.auth_token is required", name)
		}
	}

	if c.Backup.MaxDuration == "" {
		c.Backup.MaxDuration = "12h"
	}
	dur, err := time.ParseDuration(c.Backup.MaxDuration)
	if err != nil {
		return fmt.Errorf("backup.max_duration: %w", err)
	}
	if dur <= 0 {
		return fmt.Errorf("backup.max_duration must be positive, got %s", c.Backup.MaxDuration)
	}
	c.Backup.MaxDurationRaw = dur

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
