package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	body := `
node_id = "n1"
node_type = "worker"
endpoint = "10.0.0.5:9080"
http_addr = ":9080"
bootstraps = ["https://boot.example.com"]
seeds = ["10.0.0.6:9080"]
dns_names = ["_peernet._tcp.example.com"]
dns_port = 9081
swarm_enable = true
swarm_bind = ":7946"
protocol_tag = "/decentralized-ai/1.0.0"
max_peers = 25
discovery_interval = "45s"
health_interval = "2m"
stale_threshold = "10m"
gossip_fanout = 5

[capabilities]
gpu = "1"
`
	path := filepath.Join(t.TempDir(), "peernet.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NodeID != "n1" || cfg.NodeType != "worker" || cfg.Endpoint != "10.0.0.5:9080" {
		t.Fatalf("identity = %+v", cfg)
	}
	if len(cfg.Bootstraps) != 1 || cfg.Bootstraps[0] != "https://boot.example.com" {
		t.Fatalf("Bootstraps = %v", cfg.Bootstraps)
	}
	if cfg.DiscoveryInterval.Std() != 45*time.Second {
		t.Fatalf("DiscoveryInterval = %v", cfg.DiscoveryInterval.Std())
	}
	if cfg.HealthInterval.Std() != 2*time.Minute {
		t.Fatalf("HealthInterval = %v", cfg.HealthInterval.Std())
	}
	if cfg.StaleThreshold.Std() != 10*time.Minute {
		t.Fatalf("StaleThreshold = %v", cfg.StaleThreshold.Std())
	}
	if !cfg.SwarmEnable || cfg.ProtocolTag != "/decentralized-ai/1.0.0" {
		t.Fatalf("swarm = %+v", cfg)
	}
	if cfg.MaxPeers != 25 || cfg.GossipFanout != 5 {
		t.Fatalf("limits = %+v", cfg)
	}
	if cfg.Capabilities["gpu"] != "1" {
		t.Fatalf("Capabilities = %v", cfg.Capabilities)
	}
	if cfg.DNSPort != 9081 {
		t.Fatalf("DNSPort = %d", cfg.DNSPort)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("d = %v", d.Std())
	}
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildValidatesEndpoint(t *testing.T) {
	if _, err := Build(Config{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestEndpointPort(t *testing.T) {
	cases := map[string]int{
		"10.0.0.1:9080":          9080,
		"http://10.0.0.1:8000":   8000,
		"https://n.example:8443": 8443,
		"no-port-here":           0,
	}
	for in, want := range cases {
		if got := endpointPort(in); got != want {
			t.Errorf("endpointPort(%q) = %d, want %d", in, got, want)
		}
	}
}
