package mesh

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/go-peernet/pkg/discovery"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/probe"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

// Identity describes this node as announced to the network. Peer admission
// excludes candidates matching either ID or Endpoint.
type Identity struct {
	ID           string
	Type         peer.NodeType
	Endpoint     string
	Version      string
	Capabilities map[string]string
}

// Options is the immutable configuration of the subsystem, fixed at
// construction. Runtime reconfiguration means building a new Mesh.
type Options struct {
	// Self is this node's identity (required: ID and Endpoint).
	Self Identity

	// Methods are the enabled discovery channels (at least one required).
	Methods []discovery.Method

	// Prober performs verification and health-check probes (required).
	Prober *probe.Prober

	// Client performs gossip pushes (required).
	Client *httpjson.Client

	// MaxPeers bounds the registry (default 50).
	MaxPeers int

	// DiscoveryInterval schedules discovery rounds (default 30s).
	DiscoveryInterval time.Duration
	// HealthInterval schedules health-monitor cycles (default 60s).
	HealthInterval time.Duration
	// GossipInterval schedules peer-list dissemination (default 120s).
	GossipInterval time.Duration

	// StaleThreshold is the LastSeen age beyond which a peer is evicted
	// (default 5m).
	StaleThreshold time.Duration

	// GossipFanout is the number of healthy peers pushed to per gossip cycle
	// (default 3).
	GossipFanout int

	// Logger is used to report operational messages. If nil, log.Default().
	Logger *log.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.Self.ID == "" {
		return errors.New("mesh: empty Self.ID")
	}
	if o.Self.Endpoint == "" {
		return errors.New("mesh: empty Self.Endpoint")
	}
	if len(o.Methods) == 0 {
		return errors.New("mesh: no discovery methods")
	}
	if o.Prober == nil {
		return errors.New("mesh: nil Prober")
	}
	if o.Client == nil {
		return errors.New("mesh: nil Client")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Self.Type == "" {
		o.Self.Type = peer.TypeUnknown
	}
	if o.MaxPeers <= 0 {
		o.MaxPeers = 50
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.GossipInterval <= 0 {
		o.GossipInterval = 120 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 5 * time.Minute
	}
	if o.GossipFanout <= 0 {
		o.GossipFanout = 3
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}
