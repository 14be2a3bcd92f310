package peer

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a known peer. Transitions are driven by
// verification probes, periodic health checks and staleness eviction; see
// registry for the mutation rules.
type Status string

const (
	// StatusDiscovered is the initial state: reported by a discovery channel
	// but never confirmed reachable.
	StatusDiscovered Status = "discovered"
	// StatusHealthy means the last probe against the peer succeeded.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy means the peer answered a probe with a failing HTTP status.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnreachable means the last probe failed at the transport level.
	StatusUnreachable Status = "unreachable"
)

// NodeType is the self-declared role of a peer. It is advisory only: nothing
// verifies the claim beyond plain reachability.
type NodeType string

const (
	TypeBootstrap NodeType = "bootstrap"
	TypeWorker    NodeType = "worker"
	TypeOwner     NodeType = "owner"
	TypeUser      NodeType = "user"
	TypeUnknown   NodeType = "unknown"
)

// ParseNodeType maps a free-form declared type onto the closed NodeType set.
func ParseNodeType(s string) NodeType {
	switch NodeType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeBootstrap:
		return TypeBootstrap
	case TypeWorker:
		return TypeWorker
	case TypeOwner:
		return TypeOwner
	case TypeUser:
		return TypeUser
	default:
		return TypeUnknown
	}
}

// Method identifies the discovery channel that reported a peer.
type Method string

const (
	MethodBootstrap Method = "bootstrap"
	MethodDHT       Method = "dht"
	MethodGossip    Method = "gossip"
	MethodDNS       Method = "dns"
)

// HealthInfo carries the advertised fields opportunistically parsed from a
// peer's health response body. All fields are self-reported.
type HealthInfo struct {
	NodeType    NodeType
	Version     string
	Uptime      float64
	Performance map[string]float64
}

// Peer is one known network participant as tracked by the registry.
type Peer struct {
	ID           string
	Endpoint     string
	DeclaredType NodeType
	Status       Status
	// Methods is the set of discovery channels that have ever reported this
	// peer. It only grows while the peer remains registered.
	Methods      map[Method]struct{}
	Capabilities map[string]string

	AddedAt         time.Time
	LastSeen        time.Time
	LastHealthCheck time.Time

	// VerifiedEndpoint is the probe URL that last succeeded, if any.
	VerifiedEndpoint string
	// LastError is the last probe failure reason, if any.
	LastError string

	Version     string
	Uptime      float64
	Performance map[string]float64
}

// HasMethod reports whether the given discovery channel has reported this peer.
func (p *Peer) HasMethod(m Method) bool {
	_, ok := p.Methods[m]
	return ok
}

// MethodList returns the discovery channels sorted for stable output.
func (p *Peer) MethodList() []Method {
	out := make([]Method, 0, len(p.Methods))
	for m := range p.Methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy safe to hand out across goroutines.
func (p *Peer) Clone() Peer {
	cp := *p
	cp.Methods = make(map[Method]struct{}, len(p.Methods))
	for m := range p.Methods {
		cp.Methods[m] = struct{}{}
	}
	if p.Capabilities != nil {
		cp.Capabilities = make(map[string]string, len(p.Capabilities))
		for k, v := range p.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if p.Performance != nil {
		cp.Performance = make(map[string]float64, len(p.Performance))
		for k, v := range p.Performance {
			cp.Performance[k] = v
		}
	}
	return cp
}

// Candidate is a peer sighting produced by one discovery channel, before
// admission into the registry.
type Candidate struct {
	ID           string
	Endpoint     string
	DeclaredType NodeType
	Method       Method
	Capabilities map[string]string
	// Source identifies where the sighting came from (e.g. the gossiping
	// peer's ID or the bootstrap URL). Informational only.
	Source string
}

// Normalize fills derived fields: a candidate without a declared ID is keyed
// by its endpoint, and an empty type maps to unknown.
func (c Candidate) Normalize() Candidate {
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if c.ID == "" {
		c.ID = c.Endpoint
	}
	if c.DeclaredType == "" {
		c.DeclaredType = TypeUnknown
	}
	return c
}

// Descriptor is the wire representation of a peer as exchanged over the peer
// HTTP surface (peer lists and gossip pushes). Internal bookkeeping fields
// (errors, verified endpoints, capabilities) are deliberately not exported.
type Descriptor struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Endpoint string    `json:"endpoint"`
	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Descriptor projects the peer onto its wire representation.
func (p *Peer) Descriptor() Descriptor {
	return Descriptor{
		ID:       p.ID,
		Type:     string(p.DeclaredType),
		Endpoint: p.Endpoint,
		Status:   string(p.Status),
		LastSeen: p.LastSeen,
	}
}

// FromDescriptor converts a received wire descriptor into a candidate tagged
// with the channel it arrived through.
func FromDescriptor(d Descriptor, m Method, source string) Candidate {
	return Candidate{
		ID:           d.ID,
		Endpoint:     d.Endpoint,
		DeclaredType: ParseNodeType(d.Type),
		Method:       m,
		Source:       source,
	}.Normalize()
}
