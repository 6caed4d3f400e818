package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validAgentYAML = `
agent:
  name: "web-server-01"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: /etc
    exclude:
      - "*.tmp"
  home:
    root: /home
    with_acl: true
    with_xattr: true
`

func TestLoadAgentConfig_Valid(t *testing.T) {
	cfgPath := writeTempConfig(t, validAgentYAML)
	cfg, err := LoadAgentConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.Name != "web-server-01" {
		t.Errorf("expected agent.name 'web-server-01', got %q", cfg.Agent.Name)
	}
	if cfg.Listen.Address != "0.0.0.0:9847" {
		t.Errorf("expected listen.address '0.0.0.0:9847', got %q", cfg.Listen.Address)
	}
	if len(cfg.Shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(cfg.Shares))
	}
	home, ok := cfg.Shares["home"]
	if !ok {
		t.Fatal("expected share 'home' to exist")
	}
	if !home.WithACL || !home.WithXattr {
		t.Errorf("expected home share to capture acl+xattr, got %+v", home)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Transfer.BandwidthLimitRaw != 0 {
		t.Errorf("expected no bandwidth limit by default, got %d", cfg.Transfer.BandwidthLimitRaw)
	}
}

func TestLoadAgentConfig_ShareConfigs(t *testing.T) {
	cfgPath := writeTempConfig(t, validAgentYAML)
	cfg, err := LoadAgentConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shares := cfg.ShareConfigs()
	etc, ok := shares["etc"]
	if !ok {
		t.Fatal("expected converted share 'etc' to exist")
	}
	if etc.Root != "/etc" {
		t.Errorf("expected root '/etc', got %q", etc.Root)
	}
	if len(etc.Excludes) != 1 || etc.Excludes[0] != "*.tmp" {
		t.Errorf("expected excludes [*.tmp], got %v", etc.Excludes)
	}
}

func TestLoadAgentConfig_MissingName(t *testing.T) {
	content := `
agent:
  name: ""
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: /etc
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for empty agent.name")
	}
}

func TestLoadAgentConfig_MissingAuthToken(t *testing.T) {
	content := `
agent:
  name: "test-agent"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: /etc
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing agent.auth_token")
	}
}

func TestLoadAgentConfig_MissingShares(t *testing.T) {
	content := `
agent:
  name: "test-agent"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares: {}
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for empty shares")
	}
}

func TestLoadAgentConfig_MissingShareRoot(t *testing.T) {
	content := `
agent:
  name: "test-agent"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: ""
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for empty share root")
	}
}

func TestLoadAgentConfig_MissingTLS(t *testing.T) {
	content := `
agent:
  name: "test-agent"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
shares:
  etc:
    root: /etc
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing tls block")
	}
}

func TestLoadAgentConfig_BandwidthLimitValid(t *testing.T) {
	content := `
agent:
  name: "test-agent"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: /etc
transfer:
  bandwidth_limit: "50mb"
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadAgentConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := int64(50 * 1024 * 1024)
	if cfg.Transfer.BandwidthLimitRaw != expected {
		t.Errorf("expected BandwidthLimitRaw %d, got %d", expected, cfg.Transfer.BandwidthLimitRaw)
	}
}

func TestLoadAgentConfig_BandwidthLimitInvalid(t *testing.T) {
	content := `
agent:
  name: "test-agent"
  auth_token: "s3cret-token"
listen:
  address: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/agent.pem
  key: /tmp/agent-key.pem
shares:
  etc:
    root: /etc
transfer:
  bandwidth_limit: "not-a-size"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid bandwidth_limit format")
	}
}

func TestLoadAgentConfig_FileNotFound(t *testing.T) {
	if _, err := LoadAgentConfig("/nonexistent/path/agent.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadAgentConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	if _, err := LoadAgentConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

const validServerYAML = `
pool:
  path: /var/lib/chunkvault/pool
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  web-server-01:
    address: "web-server-01:9847"
    shares:
      - etc
      - home
    auth_token: "s3cret-token"
`

func TestLoadServerConfig_Valid(t *testing.T) {
	cfgPath := writeTempConfig(t, validServerYAML)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pool.Path != "/var/lib/chunkvault/pool" {
		t.Errorf("expected pool.path set, got %q", cfg.Pool.Path)
	}
	if cfg.Pool.LockName != "vaultd" {
		t.Errorf("expected default lock_name 'vaultd', got %q", cfg.Pool.LockName)
	}
	host, ok := cfg.Hosts["web-server-01"]
	if !ok {
		t.Fatal("expected host 'web-server-01' to exist")
	}
	if len(host.Shares) != 2 {
		t.Errorf("expected 2 shares for web-server-01, got %d", len(host.Shares))
	}
	if cfg.Backup.MaxDurationRaw != 12*time.Hour {
		t.Errorf("expected default max_duration 12h, got %s", cfg.Backup.MaxDurationRaw)
	}
}

func TestServerConfig_HostDir(t *testing.T) {
	cfg := &ServerConfig{Pool: PoolConfig{Path: "/pool"}}
	if got := cfg.Pool.HostsDir(); got != "/pool/hosts" {
		t.Errorf("expected /pool/hosts, got %q", got)
	}
	if got := cfg.Pool.HostDir("web-server-01"); got != "/pool/hosts/web-server-01" {
		t.Errorf("expected /pool/hosts/web-server-01, got %q", got)
	}
}

func TestLoadServerConfig_MinFree(t *testing.T) {
	content := `
pool:
  path: /var/lib/chunkvault/pool
  min_free: 2gb
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  web-server-01:
    address: "web-server-01:9847"
    shares:
      - etc
    auth_token: "s3cret-token"
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pool.MinFreeBytes != 2*1024*1024*1024 {
		t.Errorf("expected min_free parsed to 2gb in bytes, got %d", cfg.Pool.MinFreeBytes)
	}
}

func TestLoadServerConfig_MinFreeUnset(t *testing.T) {
	cfgPath := writeTempConfig(t, validServerYAML)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pool.MinFreeBytes != 0 {
		t.Errorf("expected min_free to default to disabled (0), got %d", cfg.Pool.MinFreeBytes)
	}
}

func TestLoadServerConfig_InvalidMinFree(t *testing.T) {
	content := `
pool:
  path: /var/lib/chunkvault/pool
  min_free: not-a-size
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  web-server-01:
    address: "web-server-01:9847"
    shares:
      - etc
    auth_token: "s3cret-token"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected an error for an unparseable pool.min_free value")
	}
}

func TestLoadServerConfig_MissingPoolPath(t *testing.T) {
	content := `
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  h1:
    address: "h1:9847"
    shares: ["etc"]
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing pool.path")
	}
}

func TestLoadServerConfig_MissingHosts(t *testing.T) {
	content := `
pool:
  path: /var/lib/chunkvault/pool
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts: {}
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected error for empty hosts")
	}
}

func TestLoadServerConfig_HostMissingAuthToken(t *testing.T) {
	content := `
pool:
  path: /var/lib/chunkvault/pool
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  h1:
    address: "h1:9847"
    shares: ["etc"]
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected error for host with no auth_token")
	}
}

func TestLoadServerConfig_HostMissingShares(t *testing.T) {
	content := `
pool:
  path: /var/lib/chunkvault/pool
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/server.pem
  key: /tmp/server-key.pem
hosts:
  h1:
    address: "h1:9847"
    shares: []
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected error for host with no shares")
	}
}

func TestLoadServerConfig_CustomMaxDuration(t *testing.T) {
	content := validServerYAML + `
backup:
  max_duration: "2h30m"
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := 2*time.Hour + 30*time.Minute
	if cfg.Backup.MaxDurationRaw != expected {
		t.Errorf("expected max_duration %s, got %s", expected, cfg.Backup.MaxDurationRaw)
	}
}

func TestLoadServerConfig_InvalidMaxDuration(t *testing.T) {
	content := validServerYAML + `
backup:
  max_duration: "not-a-duration"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid max_duration")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":     0,
		"1b":    1,
		"1kb":   1024,
		"4mb":   4 * 1024 * 1024,
		"2gb":   2 * 1024 * 1024 * 1024,
		"100":   100,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}
