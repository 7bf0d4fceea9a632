package netconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"ardents/p2pcore/internal/bootstrap"
	"ardents/p2pcore/internal/p2p"

	"gopkg.in/yaml.v3"
)

type NodeConfig struct {
	Network NetworkConfig `yaml:"network"`
}

type NetworkConfig struct {
	Transport             string            `yaml:"transport"`
	ListenHost            string            `yaml:"listenHost"`
	TCPPort               int               `yaml:"tcpPort"`
	QUICPort              int               `yaml:"quicPort"`
	EnableMdns            *bool             `yaml:"enableMdns"`
	EnableDht             *bool             `yaml:"enableDht"`
	BootstrapNodes        []bootstrap.Entry `yaml:"bootstrapNodes"`
	IdleConnectionTimeout time.Duration     `yaml:"idleConnectionTimeout"`
	EnableRelayClient     *bool             `yaml:"enableRelayClient"`
	EnableDcutr           *bool             `yaml:"enableDcutr"`
	EnableAutonat         *bool             `yaml:"enableAutonat"`
	MdnsServiceName       string            `yaml:"mdnsServiceName"`
	DHTProtocolPrefix     string            `yaml:"dhtProtocolPrefix"`
	Timeouts              TimeoutsConfig    `yaml:"timeouts"`
	MaxMessageSize        int               `yaml:"maxMessageSize"`
	AddressTTL            time.Duration     `yaml:"addressTTL"`
	MaxAddressFailures    int               `yaml:"maxAddressFailures"`
	MaxDialAttempts       int               `yaml:"maxDialAttempts"`
	DialTimeout           time.Duration     `yaml:"dialTimeout"`
	EventBuffer           int               `yaml:"eventBuffer"`
	InboundRate           *float64          `yaml:"inboundRate"`
	InboundBurst          *int              `yaml:"inboundBurst"`
}

type TimeoutsConfig struct {
	Identity  time.Duration `yaml:"identity"`
	Messaging time.Duration `yaml:"messaging"`
	Manifest  time.Duration `yaml:"manifest"`
	Media     time.Duration `yaml:"media"`
	Signaling time.Duration `yaml:"signaling"`
}

// LoadFromPath reads the network section of configPath over the defaults and then
// applies environment overrides. With an empty configPath the conventional locations
// are tried and a missing file is not an error.
func LoadFromPath(configPath string) (p2p.Config, error) {
	cfg := p2p.DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/node.yaml",
			"node.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath == "" && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}

		var parsed NodeConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}

		merged := cfg
		Merge(&merged, parsed.Network)
		ApplyEnvOverrides(&merged)
		return merged, nil
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func Merge(dst *p2p.Config, src NetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.ListenHost != "" {
		dst.ListenHost = src.ListenHost
	}
	if src.TCPPort != 0 {
		dst.TCPPort = src.TCPPort
	}
	if src.QUICPort != 0 {
		dst.QUICPort = src.QUICPort
	}
	if src.EnableMdns != nil {
		dst.EnableMdns = *src.EnableMdns
	}
	if src.EnableDht != nil {
		dst.EnableDht = *src.EnableDht
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.IdleConnectionTimeout != 0 {
		dst.IdleConnectionTimeout = src.IdleConnectionTimeout
	}
	if src.EnableRelayClient != nil {
		dst.EnableRelayClient = *src.EnableRelayClient
	}
	if src.EnableDcutr != nil {
		dst.EnableDcutr = *src.EnableDcutr
	}
	if src.EnableAutonat != nil {
		dst.EnableAutonat = *src.EnableAutonat
	}
	if src.MdnsServiceName != "" {
		dst.MdnsServiceName = src.MdnsServiceName
	}
	if src.DHTProtocolPrefix != "" {
		dst.DHTProtocolPrefix = src.DHTProtocolPrefix
	}
	if src.Timeouts.Identity != 0 {
		dst.Timeouts.Identity = src.Timeouts.Identity
	}
	if src.Timeouts.Messaging != 0 {
		dst.Timeouts.Messaging = src.Timeouts.Messaging
	}
	if src.Timeouts.Manifest != 0 {
		dst.Timeouts.Manifest = src.Timeouts.Manifest
	}
	if src.Timeouts.Media != 0 {
		dst.Timeouts.Media = src.Timeouts.Media
	}
	if src.Timeouts.Signaling != 0 {
		dst.Timeouts.Signaling = src.Timeouts.Signaling
	}
	if src.MaxMessageSize != 0 {
		dst.MaxMessageSize = src.MaxMessageSize
	}
	if src.AddressTTL != 0 {
		dst.AddressTTL = src.AddressTTL
	}
	if src.MaxAddressFailures != 0 {
		dst.MaxAddressFailures = src.MaxAddressFailures
	}
	if src.MaxDialAttempts != 0 {
		dst.MaxDialAttempts = src.MaxDialAttempts
	}
	if src.DialTimeout != 0 {
		dst.DialTimeout = src.DialTimeout
	}
	if src.EventBuffer != 0 {
		dst.EventBuffer = src.EventBuffer
	}
	if src.InboundRate != nil {
		dst.InboundRate = *src.InboundRate
	}
	if src.InboundBurst != nil {
		dst.InboundBurst = *src.InboundBurst
	}
}

// ApplyEnvOverrides applies ARDENTS_* variables. Values that do not parse are ignored.
func ApplyEnvOverrides(cfg *p2p.Config) {
	if transport := strings.TrimSpace(os.Getenv("ARDENTS_NETWORK_TRANSPORT")); transport != "" {
		cfg.Transport = transport
	}
	if host := strings.TrimSpace(os.Getenv("ARDENTS_LISTEN_HOST")); host != "" {
		cfg.ListenHost = host
	}
	envInt("ARDENTS_TCP_PORT", &cfg.TCPPort)
	envInt("ARDENTS_QUIC_PORT", &cfg.QUICPort)
	envBool("ARDENTS_ENABLE_MDNS", &cfg.EnableMdns)
	envBool("ARDENTS_ENABLE_DHT", &cfg.EnableDht)
	envBool("ARDENTS_ENABLE_RELAY_CLIENT", &cfg.EnableRelayClient)
	envBool("ARDENTS_ENABLE_DCUTR", &cfg.EnableDcutr)
	envBool("ARDENTS_ENABLE_AUTONAT", &cfg.EnableAutonat)

	raw := strings.TrimSpace(os.Getenv("ARDENTS_BOOTSTRAP_NODES"))
	if raw == "" {
		return
	}
	var entries []bootstrap.Entry
	for i, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		entries = append(entries, bootstrap.Entry{Address: addr, Label: "env", Priority: i, Enabled: true})
	}
	if len(entries) > 0 {
		cfg.BootstrapNodes = entries
	}
}

func envBool(name string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	*dst = v
}

func envInt(name string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return
	}
	*dst = v
}
