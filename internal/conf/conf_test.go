package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
role = "server"

[server]
bind_addr = "0.0.0.0:4433"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.QUIC.MaxConnections != 100_000 {
		t.Errorf("quic max_connections default = %d", cfg.QUIC.MaxConnections)
	}
	if cfg.QUIC.IdleTimeoutSecs != 30 {
		t.Errorf("quic idle_timeout_secs default = %d", cfg.QUIC.IdleTimeoutSecs)
	}
	if cfg.Pool.BufferCount4K != 16384 || cfg.Pool.BufferCount16K != 4096 || cfg.Pool.BufferCount64K != 1024 {
		t.Errorf("pool defaults = %+v", cfg.Pool)
	}
	if cfg.Pool.ConnectionSlots != 100_000 {
		t.Errorf("connection_slots default = %d", cfg.Pool.ConnectionSlots)
	}
	if !cfg.Policy.DefaultAllow {
		t.Error("policy default_allow should default to true")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Metrics.BindAddr != "127.0.0.1:9090" {
		t.Errorf("metrics bind_addr default = %s", cfg.Metrics.BindAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
role = "server"

[server]
bind_addr = "127.0.0.1:9000"
workers = 4

[quic]
max_connections = 500
idle_timeout_secs = 60

[pool]
connection_slots = 128

[policy]
default_allow = false
blocked_hosts = ["blocked.test"]
blocked_ports = [25]

[logging]
level = "debug"
format = "pretty"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Workers != 4 {
		t.Errorf("workers = %d", cfg.Server.Workers)
	}
	if cfg.QUIC.MaxConnections != 500 || cfg.QUIC.IdleTimeoutSecs != 60 {
		t.Errorf("quic = %+v", cfg.QUIC)
	}
	if cfg.Pool.ConnectionSlots != 128 {
		t.Errorf("connection_slots = %d", cfg.Pool.ConnectionSlots)
	}
	if cfg.Policy.DefaultAllow {
		t.Error("default_allow override lost")
	}
	if len(cfg.Policy.BlockedHosts) != 1 || cfg.Policy.BlockedHosts[0] != "blocked.test" {
		t.Errorf("blocked_hosts = %v", cfg.Policy.BlockedHosts)
	}
}

func TestLoadRejectsBadRole(t *testing.T) {
	path := writeConfig(t, `role = "observer"`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("invalid role accepted")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []string{
		`role = "server"` + "\n" + `[server]` + "\n" + `bind_addr = "not an address"`,
		`role = "server"` + "\n" + `[quic]` + "\n" + `max_udp_payload = 100`,
		`role = "server"` + "\n" + `[logging]` + "\n" + `level = "loud"`,
		`role = "server"` + "\n" + `[logging]` + "\n" + `format = "xml"`,
		`role = "server"` + "\n" + `[policy]` + "\n" + `blocked_ports = [70000]`,
		`role = "client"`, // missing client.server_addr
	}

	for _, body := range cases {
		path := writeConfig(t, body)
		if _, err := LoadFromFile(path); err == nil {
			t.Errorf("config accepted:\n%s", body)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestClientSNIName(t *testing.T) {
	c := Client{ServerAddr: "tunnel.example.com:4433"}
	if got := c.SNIName(); got != "tunnel.example.com" {
		t.Errorf("SNIName = %q", got)
	}

	c.ServerName = "override.example.com"
	if got := c.SNIName(); got != "override.example.com" {
		t.Errorf("SNIName with override = %q", got)
	}
}

func TestEffectiveWorkers(t *testing.T) {
	s := Server{Workers: 0}
	if s.EffectiveWorkers() < 1 {
		t.Error("EffectiveWorkers returned zero for auto")
	}
	s.Workers = 3
	if s.EffectiveWorkers() != 3 {
		t.Errorf("EffectiveWorkers = %d, want 3", s.EffectiveWorkers())
	}
}
