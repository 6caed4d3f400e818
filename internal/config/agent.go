package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chunkvault/chunkvault/internal/agent"
)

// AgentConfig is the complete configuration of vault-agentd, the
// client-host process that exposes a set of shares over the spec.md
// §4.9 RPC surface for a driver to back up.
type AgentConfig struct {
	Agent    AgentInfo             `yaml:"agent"`
	Listen   ListenAddr            `yaml:"listen"`
	TLS      TLSPair               `yaml:"tls"`
	Shares   map[string]ShareEntry `yaml:"shares"`
	Transfer TransferConfig        `yaml:"transfer"`
	Logging  LoggingInfo           `yaml:"logging"`
}

// AgentInfo identifies this agent (the hostname the driver records
// backups under).
type AgentInfo struct {
	Name      string `yaml:"name"`
	AuthToken string `yaml:"auth_token"`
}

// ListenAddr is a "host:port" listen or dial address.
type ListenAddr struct {
	Address string `yaml:"address"`
}

// TLSPair names one side's mTLS material (spec.md §4.9, §6): a shared
// CA plus this side's own certificate and key.
type TLSPair struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// ShareEntry is one share this agent scans and streams chunks from —
// the YAML projection of internal/agent.ShareConfig, plus the xattr/ACL
// capture switches (spec.md §3, §4.7). The switches are set per share in
// YAML, but vault-agentd applies them agent-wide: capture is on for every
// share as soon as any one share enables it.
type ShareEntry struct {
	Root      string   `yaml:"root"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
	WithACL   bool     `yaml:"with_acl"`
	WithXattr bool     `yaml:"with_xattr"`
}

// TransferConfig caps GetChunk's emission rate (internal/transport's
// throttled writer, spec.md §4.8).
type TransferConfig struct {
	BandwidthLimit    string `yaml:"bandwidth_limit"` // e.g. "50mb"; empty/"0" = unlimited
	BandwidthLimitRaw int64  `yaml:"-"`
}

// LoggingInfo configures slog output (ambient, not spec'd).
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadAgentConfig reads and validates vault-agentd's YAML config.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Agent.AuthToken == "" {
		return fmt.Errorf("agent.auth_token is required")
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
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
	if len(c.Shares) == 0 {
		return fmt.Errorf("shares must have at least one entry")
	}
	for name, s := range c.Shares {
		if s.Root == "" {
			return fmt.Errorf("shares.%s.root is required", name)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Transfer.BandwidthLimit == "" || c.Transfer.BandwidthLimit == "0" {
		c.Transfer.BandwidthLimitRaw = 0
	} else {
		parsed, err := ParseByteSize(c.Transfer.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("transfer.bandwidth_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("transfer.bandwidth_limit must be > 0 or \"0\" to disable, got %s", c.Transfer.BandwidthLimit)
		}
		c.Transfer.BandwidthLimitRaw = parsed
	}

	return nil
}

// ShareConfigs converts the YAML-level share entries into
// internal/agent.ShareConfig values, keyed by share name.
func (c *AgentConfig) ShareConfigs() map[string]agent.ShareConfig {
	out := make(map[string]agent.ShareConfig, len(c.Shares))
	for name, s := range c.Shares {
		out[name] = agent.ShareConfig{Root: s.Root, Includes: s.Include, Excludes: s.Exclude}
	}
	return out
}
