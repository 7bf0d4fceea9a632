package netconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ardents/p2pcore/internal/p2p"
)

func boolPtr(v bool) *bool {
	return &v
}

func TestMergeOverridesSetFields(t *testing.T) {
	dst := p2p.DefaultConfig()
	rate := 5.0
	src := NetworkConfig{
		Transport:             p2p.TransportMock,
		TCPPort:               4001,
		IdleConnectionTimeout: 30 * time.Second,
		Timeouts:              TimeoutsConfig{Media: 90 * time.Second},
		MaxDialAttempts:       3,
		InboundRate:           &rate,
	}

	Merge(&dst, src)

	if dst.Transport != p2p.TransportMock {
		t.Fatalf("expected transport=mock, got %s", dst.Transport)
	}
	if dst.TCPPort != 4001 {
		t.Fatalf("expected tcpPort=4001, got %d", dst.TCPPort)
	}
	if dst.IdleConnectionTimeout != 30*time.Second {
		t.Fatalf("expected idleConnectionTimeout=30s, got %s", dst.IdleConnectionTimeout)
	}
	if dst.Timeouts.Media != 90*time.Second {
		t.Fatalf("expected media timeout=90s, got %s", dst.Timeouts.Media)
	}
	if dst.Timeouts.Identity != p2p.DefaultConfig().Timeouts.Identity {
		t.Fatalf("unset timeout must keep its default, got %s", dst.Timeouts.Identity)
	}
	if dst.MaxDialAttempts != 3 {
		t.Fatalf("expected maxDialAttempts=3, got %d", dst.MaxDialAttempts)
	}
	if dst.InboundRate != 5 {
		t.Fatalf("expected inboundRate=5, got %v", dst.InboundRate)
	}
}

func TestMergeDoesNotOverwriteBoolDefaultsWhenUnset(t *testing.T) {
	dst := p2p.DefaultConfig()
	Merge(&dst, NetworkConfig{Transport: p2p.TransportLibp2p})

	if !dst.EnableMdns || !dst.EnableDht || !dst.EnableRelayClient || !dst.EnableDcutr || !dst.EnableAutonat {
		t.Fatal("unset bool fields must not overwrite existing defaults")
	}
}

func TestMergeAppliesExplicitBoolFalse(t *testing.T) {
	dst := p2p.DefaultConfig()
	Merge(&dst, NetworkConfig{
		EnableMdns:        boolPtr(false),
		EnableDht:         boolPtr(false),
		EnableRelayClient: boolPtr(false),
		EnableDcutr:       boolPtr(true),
	})

	if dst.EnableMdns || dst.EnableDht || dst.EnableRelayClient {
		t.Fatal("explicit false must disable the feature")
	}
	if !dst.EnableDcutr {
		t.Fatal("expected enableDcutr=true from explicit config")
	}
}

func TestLoadFromPathReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	raw := `network:
  transport: mock
  enableMdns: false
  dialTimeout: 3s
  timeouts:
    signaling: 2s
  bootstrapNodes:
    - address: /ip4/10.0.0.1/tcp/4001/p2p/12D3KooWexample
      label: seed-1
      priority: 1
      enabled: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != p2p.TransportMock || cfg.EnableMdns {
		t.Fatalf("unexpected network config: %+v", cfg)
	}
	if cfg.DialTimeout != 3*time.Second || cfg.Timeouts.Signaling != 2*time.Second {
		t.Fatalf("durations not parsed: dial=%s signaling=%s", cfg.DialTimeout, cfg.Timeouts.Signaling)
	}
	if len(cfg.BootstrapNodes) != 1 || cfg.BootstrapNodes[0].Label != "seed-1" || !cfg.BootstrapNodes[0].Enabled {
		t.Fatalf("unexpected bootstrap nodes: %+v", cfg.BootstrapNodes)
	}
	if !cfg.EnableDht {
		t.Fatal("fields missing from the file keep their defaults")
	}
}

func TestLoadFromPathRejectsBadFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing path must fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("network: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("malformed yaml must fail")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ARDENTS_NETWORK_TRANSPORT", "mock")
	t.Setenv("ARDENTS_TCP_PORT", "4100")
	t.Setenv("ARDENTS_LISTEN_HOST", "127.0.0.1")
	t.Setenv("ARDENTS_ENABLE_DHT", "false")
	t.Setenv("ARDENTS_BOOTSTRAP_NODES", "/ip4/10.0.0.1/tcp/1/p2p/a, /ip4/10.0.0.2/tcp/2/p2p/b")

	cfg := p2p.DefaultConfig()
	ApplyEnvOverrides(&cfg)

	if cfg.Transport != "mock" || cfg.TCPPort != 4100 || cfg.ListenHost != "127.0.0.1" || cfg.EnableDht {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.BootstrapNodes) != 2 || cfg.BootstrapNodes[1].Address != "/ip4/10.0.0.2/tcp/2/p2p/b" || cfg.BootstrapNodes[1].Priority != 1 {
		t.Fatalf("unexpected bootstrap nodes: %+v", cfg.BootstrapNodes)
	}
}

func TestApplyEnvOverridesIgnoresInvalidValue(t *testing.T) {
	t.Setenv("ARDENTS_ENABLE_MDNS", "invalid")
	t.Setenv("ARDENTS_QUIC_PORT", "-1")
	cfg := p2p.DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if !cfg.EnableMdns {
		t.Fatal("invalid env value must not change enableMdns")
	}
	if cfg.QUICPort != 0 {
		t.Fatalf("invalid port must be ignored, got %d", cfg.QUICPort)
	}
}
