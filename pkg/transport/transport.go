package transport

import (
	"context"

	"github.com/amirimatin/go-peernet/pkg/peer"
)

// HealthStatus is the body of a peer's health endpoint. All fields are
// optional and self-reported; the prober parses them opportunistically.
type HealthStatus struct {
	Status      string             `json:"status,omitempty"`
	NodeType    string             `json:"nodeType,omitempty"`
	Version     string             `json:"version,omitempty"`
	Uptime      float64            `json:"uptime,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
}

// PeerList is the payload of GET /peers on any peer and on the bootstrap
// directory.
type PeerList struct {
	Peers []peer.Descriptor `json:"peers"`
}

// GossipPush is the payload of POST /gossip/peers: the sender's sanitized
// peer list plus its own identity.
type GossipPush struct {
	Peers []peer.Descriptor `json:"peers"`
	From  string            `json:"from"`
}

// BootstrapNode is one directory-advertised bootstrap endpoint.
type BootstrapNode struct {
	URL  string `json:"url"`
	IPFS string `json:"ipfs,omitempty"`
}

// NetworkConfig is the bootstrap directory's network descriptor. Additional
// bootstrap endpoints learned here are merged into the configured set.
type NetworkConfig struct {
	NetworkID            string          `json:"network_id"`
	ContractAddress      string          `json:"contract_address,omitempty"`
	ModelRegistryAddress string          `json:"model_registry_address,omitempty"`
	BootstrapNodes       []BootstrapNode `json:"bootstrap_nodes"`
}

// RegisterRequest announces this node to a bootstrap directory.
type RegisterRequest struct {
	NodeID       string            `json:"nodeId"`
	NodeType     string            `json:"nodeType"`
	Endpoint     string            `json:"endpoint"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Version      string            `json:"version,omitempty"`
}

// RegisterResponse acknowledges a directory registration.
type RegisterResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Server hook signatures. The mesh wires its registry-backed implementations
// into the HTTP server through these.
type (
	// HealthFunc reports this node's own health document.
	HealthFunc func(ctx context.Context) HealthStatus
	// PeersFunc lists this node's known peers in wire form.
	PeersFunc func(ctx context.Context) PeerList
	// GossipFunc ingests a pushed peer list from another node.
	GossipFunc func(ctx context.Context, push GossipPush) error
	// StatusFunc returns the JSON-encoded network statistics document.
	StatusFunc func(ctx context.Context) ([]byte, error)
)
