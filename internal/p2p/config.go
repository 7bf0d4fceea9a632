package p2p

import (
	"time"

	"ardents/p2pcore/internal/bootstrap"
	"ardents/p2pcore/internal/protocol"
)

const (
	TransportMock   = "mock"
	TransportLibp2p = "libp2p"
)

type Timeouts struct {
	Identity  time.Duration `yaml:"identity"`
	Messaging time.Duration `yaml:"messaging"`
	Manifest  time.Duration `yaml:"manifest"`
	Media     time.Duration `yaml:"media"`
	Signaling time.Duration `yaml:"signaling"`
}

func (t Timeouts) For(kind protocol.Kind) time.Duration {
	switch kind {
	case protocol.KindIdentity:
		return t.Identity
	case protocol.KindDirectMessage:
		return t.Messaging
	case protocol.KindManifest:
		return t.Manifest
	case protocol.KindMedia:
		return t.Media
	case protocol.KindSignal:
		return t.Signaling
	default:
		return t.Messaging
	}
}

func (t Timeouts) max() time.Duration {
	out := t.Identity
	for _, d := range []time.Duration{t.Messaging, t.Manifest, t.Media, t.Signaling} {
		if d > out {
			out = d
		}
	}
	return out
}

func (t Timeouts) min() time.Duration {
	out := t.Identity
	for _, d := range []time.Duration{t.Messaging, t.Manifest, t.Media, t.Signaling} {
		if d < out {
			out = d
		}
	}
	return out
}

type Config struct {
	Transport             string            `yaml:"transport"`
	ListenHost            string            `yaml:"listenHost"`
	TCPPort               int               `yaml:"tcpPort"`
	QUICPort              int               `yaml:"quicPort"`
	EnableMdns            bool              `yaml:"enableMdns"`
	EnableDht             bool              `yaml:"enableDht"`
	BootstrapNodes        []bootstrap.Entry `yaml:"bootstrapNodes"`
	IdleConnectionTimeout time.Duration     `yaml:"idleConnectionTimeout"`
	EnableRelayClient     bool              `yaml:"enableRelayClient"`
	EnableDcutr           bool              `yaml:"enableDcutr"`
	EnableAutonat         bool              `yaml:"enableAutonat"`
	MdnsServiceName       string            `yaml:"mdnsServiceName"`
	DHTProtocolPrefix     string            `yaml:"dhtProtocolPrefix"`
	Timeouts              Timeouts          `yaml:"timeouts"`
	MaxMessageSize        int               `yaml:"maxMessageSize"`
	AddressTTL            time.Duration     `yaml:"addressTTL"`
	MaxAddressFailures    int               `yaml:"maxAddressFailures"`
	MaxDialAttempts       int               `yaml:"maxDialAttempts"`
	DialTimeout           time.Duration     `yaml:"dialTimeout"`
	EventBuffer           int               `yaml:"eventBuffer"`
	InboundRate           float64           `yaml:"inboundRate"`
	InboundBurst          int               `yaml:"inboundBurst"`
}

func DefaultConfig() Config {
	return Config{
		Transport:             TransportLibp2p,
		ListenHost:            "0.0.0.0",
		TCPPort:               0,
		QUICPort:              0,
		EnableMdns:            true,
		EnableDht:             true,
		IdleConnectionTimeout: 2 * time.Minute,
		EnableRelayClient:     true,
		EnableDcutr:           true,
		EnableAutonat:         true,
		MdnsServiceName:       "ardents-mdns",
		DHTProtocolPrefix:     "/ardents",
		Timeouts: Timeouts{
			Identity:  5 * time.Second,
			Messaging: 10 * time.Second,
			Manifest:  15 * time.Second,
			Media:     60 * time.Second,
			Signaling: 5 * time.Second,
		},
		MaxMessageSize:     protocol.DefaultMaxMessageSize,
		AddressTTL:         30 * time.Minute,
		MaxAddressFailures: 5,
		MaxDialAttempts:    8,
		DialTimeout:        10 * time.Second,
		EventBuffer:        64,
		InboundRate:        20,
		InboundBurst:       40,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = def.ListenHost
	}
	if cfg.TCPPort < 0 {
		cfg.TCPPort = 0
	}
	if cfg.QUICPort < 0 {
		cfg.QUICPort = 0
	}
	if cfg.IdleConnectionTimeout <= 0 {
		cfg.IdleConnectionTimeout = def.IdleConnectionTimeout
	}
	if cfg.MdnsServiceName == "" {
		cfg.MdnsServiceName = def.MdnsServiceName
	}
	if cfg.DHTProtocolPrefix == "" {
		cfg.DHTProtocolPrefix = def.DHTProtocolPrefix
	}
	if cfg.Timeouts.Identity <= 0 {
		cfg.Timeouts.Identity = def.Timeouts.Identity
	}
	if cfg.Timeouts.Messaging <= 0 {
		cfg.Timeouts.Messaging = def.Timeouts.Messaging
	}
	if cfg.Timeouts.Manifest <= 0 {
		cfg.Timeouts.Manifest = def.Timeouts.Manifest
	}
	if cfg.Timeouts.Media <= 0 {
		cfg.Timeouts.Media = def.Timeouts.Media
	}
	if cfg.Timeouts.Signaling <= 0 {
		cfg.Timeouts.Signaling = def.Timeouts.Signaling
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.AddressTTL <= 0 {
		cfg.AddressTTL = def.AddressTTL
	}
	if cfg.MaxAddressFailures <= 0 {
		cfg.MaxAddressFailures = def.MaxAddressFailures
	}
	if cfg.MaxDialAttempts <= 0 {
		cfg.MaxDialAttempts = def.MaxDialAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.InboundRate < 0 {
		cfg.InboundRate = 0
	}
	if cfg.InboundBurst < 0 {
		cfg.InboundBurst = 0
	}
	return cfg
}

// tickInterval is how often the loop checks deadlines and idle connections.
func (cfg Config) tickInterval() time.Duration {
	d := cfg.Timeouts.min() / 10
	if idle := cfg.IdleConnectionTimeout / 4; idle < d {
		d = idle
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}
