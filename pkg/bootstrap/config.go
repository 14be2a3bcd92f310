package bootstrap

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so config files can use "30s"/"5m" notation.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config defines high-level inputs to assemble a peernet node with sensible
// defaults. Applications embed the subsystem by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity
	NodeID       string            `toml:"node_id"`   // generated when empty
	NodeType     string            `toml:"node_type"` // bootstrap|worker|owner|user
	Endpoint     string            `toml:"endpoint"`  // advertised application endpoint
	Version      string            `toml:"version"`
	Capabilities map[string]string `toml:"capabilities"`

	// Peer HTTP surface
	HTTPAddr string `toml:"http_addr"` // bind for /health /peers /gossip/peers /status /metrics

	// Bootstrap directories
	Bootstraps []string `toml:"bootstraps"`

	// Seed channel
	Seeds      []string `toml:"seeds"`
	DNSNames   []string `toml:"dns_names"`
	DNSPort    int      `toml:"dns_port"`
	DNSRefresh Duration `toml:"dns_refresh"`

	// Swarm channel (memberlist-backed content routing)
	SwarmEnable    bool     `toml:"swarm_enable"`
	SwarmBind      string   `toml:"swarm_bind"`
	SwarmAdvertise string   `toml:"swarm_advertise"`
	SwarmSeeds     []string `toml:"swarm_seeds"`
	ProtocolTag    string   `toml:"protocol_tag"`

	// Registry and scheduling
	MaxPeers          int      `toml:"max_peers"`
	DiscoveryInterval Duration `toml:"discovery_interval"`
	HealthInterval    Duration `toml:"health_interval"`
	GossipInterval    Duration `toml:"gossip_interval"`
	StaleThreshold    Duration `toml:"stale_threshold"`
	GossipFanout      int      `toml:"gossip_fanout"`

	// TLS (optional) for the peer surface and outbound calls
	TLSEnable     bool   `toml:"tls_enable"`
	TLSCA         string `toml:"tls_ca"`
	TLSCert       string `toml:"tls_cert"`
	TLSKey        string `toml:"tls_key"`
	TLSServerName string `toml:"tls_server_name"`
	TLSSkipVerify bool   `toml:"tls_skip_verify"`

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger `toml:"-"`
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
