// Package swarm implements content-routing discovery: the connected-peer list
// of the underlying swarm layer is mined for participants advertising the
// application protocol tag, and this node announces itself through the same
// layer.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	"github.com/amirimatin/go-peernet/pkg/peer"
)

// DefaultProtocolTag is the application protocol identifier peers advertise
// on the swarm layer.
const DefaultProtocolTag = "/decentralized-ai/1.0.0"

// PeerInfo is one connected peer as reported by the swarm layer.
type PeerInfo struct {
	// ID is the swarm-level peer identity.
	ID string
	// Addr is the transport address, either host:port or a multiaddr-style
	// /ip4/<host>/tcp/<port> string.
	Addr string
	// Protocols lists the stream protocols the peer advertises.
	Protocols []string
	// Endpoint is the peer's advertised application endpoint, when known.
	Endpoint string
}

// Swarm abstracts the underlying content-routing/transport layer. The
// memberlist subpackage provides the production implementation.
type Swarm interface {
	// Peers lists currently connected swarm peers.
	Peers(ctx context.Context) ([]PeerInfo, error)
	// Announce publishes an opaque node-info blob to the swarm. Best-effort.
	Announce(ctx context.Context, blob []byte) error
}

// NodeInfo is the blob this node announces on the swarm.
type NodeInfo struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Endpoint     string            `json:"endpoint"`
	Version      string            `json:"version,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// Options configures the swarm channel.
type Options struct {
	Swarm Swarm
	// ProtocolTag filters swarm peers down to application participants.
	// Defaults to DefaultProtocolTag.
	ProtocolTag string
	// DefaultPort is the application port guess used when a peer advertises
	// no explicit endpoint.
	DefaultPort int
	// Self is announced after every scan.
	Self NodeInfo
	// Logger is optional.
	Logger *log.Logger
}

// Scanner is the content-routing discovery method.
type Scanner struct {
	opts Options
}

// New constructs the swarm channel.
func New(opts Options) (*Scanner, error) {
	if opts.Swarm == nil {
		return nil, errors.New("swarm: nil Swarm")
	}
	if opts.ProtocolTag == "" {
		opts.ProtocolTag = DefaultProtocolTag
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Scanner{opts: opts}, nil
}

func (s *Scanner) Name() peer.Method { return peer.MethodDHT }

// Discover scans connected swarm peers, keeps those speaking the application
// protocol, translates their addresses to probe-able endpoints and drops
// loopback addresses. It then announces this node's info blob best-effort.
func (s *Scanner) Discover(ctx context.Context) ([]peer.Candidate, error) {
	infos, err := s.opts.Swarm.Peers(ctx)
	if err != nil {
		return nil, err
	}
	var out []peer.Candidate
	for _, pi := range infos {
		if !hasProtocol(pi.Protocols, s.opts.ProtocolTag) {
			continue
		}
		endpoint := pi.Endpoint
		if endpoint == "" {
			endpoint = s.endpointFromAddr(pi.Addr)
		}
		if endpoint == "" {
			continue
		}
		if isLoopback(endpoint) {
			continue
		}
		out = append(out, peer.Candidate{
			ID:       pi.ID,
			Endpoint: endpoint,
			Method:   peer.MethodDHT,
			Source:   pi.Addr,
		}.Normalize())
	}
	s.announce(ctx)
	return out, nil
}

func (s *Scanner) announce(ctx context.Context) {
	if s.opts.Self.ID == "" {
		return
	}
	blob, err := json.Marshal(s.opts.Self)
	if err != nil {
		return
	}
	if err := s.opts.Swarm.Announce(ctx, blob); err != nil {
		logutil.Warnf(s.opts.Logger, "swarm: announce failed: %v", err)
	}
}

// endpointFromAddr translates a swarm transport address into an application
// endpoint guess: the address host plus the configured default port.
func (s *Scanner) endpointFromAddr(addr string) string {
	host := hostOf(addr)
	if host == "" || s.opts.DefaultPort <= 0 {
		return ""
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.opts.DefaultPort))
}

func hostOf(addr string) string {
	// Multiaddr form: /ip4/<host>/tcp/<port> or /ip6/<host>/...
	if strings.HasPrefix(addr, "/") {
		parts := strings.Split(addr, "/")
		if len(parts) >= 3 && (parts[1] == "ip4" || parts[1] == "ip6" || parts[1] == "dns4" || parts[1] == "dns6") {
			return parts[2]
		}
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isLoopback(endpoint string) bool {
	host := hostOf(strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func hasProtocol(protos []string, tag string) bool {
	for _, p := range protos {
		if p == tag {
			return true
		}
	}
	return false
}
