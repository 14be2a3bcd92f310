// Package bootstrap assembles a complete peernet node from a flat Config:
// discovery channels, prober, HTTP surface and the mesh facade.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/go-peernet/pkg/discovery"
	"github.com/amirimatin/go-peernet/pkg/discovery/directory"
	dGossip "github.com/amirimatin/go-peernet/pkg/discovery/gossip"
	"github.com/amirimatin/go-peernet/pkg/discovery/seed"
	"github.com/amirimatin/go-peernet/pkg/discovery/swarm"
	mlswarm "github.com/amirimatin/go-peernet/pkg/discovery/swarm/memberlist"
	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	"github.com/amirimatin/go-peernet/pkg/mesh"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/probe"
	tlsx "github.com/amirimatin/go-peernet/pkg/security/tlsconfig"
	"github.com/amirimatin/go-peernet/pkg/transport"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

// Node bundles the assembled subsystem: the mesh facade, its HTTP surface and
// the optional swarm transport.
type Node struct {
	Mesh   *mesh.Mesh
	Server *httpjson.Server

	swarmTr    *mlswarm.Transport
	swarmSeeds []string
	logger     *log.Logger
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("bootstrap: empty Endpoint")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		logutil.Infof(cfg.Logger, "bootstrap: generated node id %s", cfg.NodeID)
	}

	var clientTLS, serverTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
		var err error
		if serverTLS, err = topts.Server(); err != nil {
			return nil, err
		}
		if clientTLS, err = topts.Client(); err != nil {
			return nil, err
		}
	}

	client := httpjson.NewClient(5 * time.Second)
	if clientTLS != nil {
		client.UseTLS(clientTLS)
	}

	var wellKnown string
	if len(cfg.Bootstraps) > 0 {
		wellKnown = cfg.Bootstraps[0]
	}
	prober := probe.New(probe.Options{
		BootstrapURL: wellKnown,
		TLS:          clientTLS,
		Logger:       cfg.Logger,
	})

	self := mesh.Identity{
		ID:           cfg.NodeID,
		Type:         peer.ParseNodeType(cfg.NodeType),
		Endpoint:     cfg.Endpoint,
		Version:      cfg.Version,
		Capabilities: cfg.Capabilities,
	}

	var methods []discovery.Method
	var swarmTr *mlswarm.Transport

	if len(cfg.Bootstraps) > 0 {
		dir, err := directory.New(directory.Options{
			Bootstraps: cfg.Bootstraps,
			Self: transport.RegisterRequest{
				NodeID:       self.ID,
				NodeType:     string(self.Type),
				Endpoint:     self.Endpoint,
				Capabilities: self.Capabilities,
				Version:      self.Version,
			},
			Client: client,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		methods = append(methods, dir)
	}

	if cfg.SwarmEnable {
		var err error
		swarmTr, err = mlswarm.New(mlswarm.Options{
			NodeID:      cfg.NodeID,
			Bind:        cfg.SwarmBind,
			Advertise:   cfg.SwarmAdvertise,
			ProtocolTag: cfg.ProtocolTag,
			Endpoint:    cfg.Endpoint,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		scanner, err := swarm.New(swarm.Options{
			Swarm:       swarmTr,
			ProtocolTag: cfg.ProtocolTag,
			DefaultPort: endpointPort(cfg.Endpoint),
			Self: swarm.NodeInfo{
				ID:           self.ID,
				Type:         string(self.Type),
				Endpoint:     self.Endpoint,
				Version:      self.Version,
				Capabilities: self.Capabilities,
			},
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		methods = append(methods, scanner)
	}

	// The gossip channel reads the mesh's healthy view; the mesh is built
	// after the method list, so the source is late-bound.
	var m *mesh.Mesh
	gx, err := dGossip.New(dGossip.Options{
		Source: func() []peer.Peer {
			if m == nil {
				return nil
			}
			return m.HealthyPeers("")
		},
		Client: client,
		SelfID: cfg.NodeID,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	methods = append(methods, gx)

	if len(cfg.Seeds) > 0 || len(cfg.DNSNames) > 0 || wellKnown != "" {
		seeds := cfg.Seeds
		if wellKnown != "" {
			seeds = append(append([]string(nil), seeds...), wellKnown)
		}
		methods = append(methods, seed.New(seed.Options{
			Seeds:     seeds,
			DNSNames:  cfg.DNSNames,
			Port:      cfg.DNSPort,
			Bootstrap: wellKnown,
			Refresh:   cfg.DNSRefresh.Std(),
			Logger:    cfg.Logger,
		}))
	}

	m, err = mesh.New(mesh.Options{
		Self:              self,
		Methods:           methods,
		Prober:            prober,
		Client:            client,
		MaxPeers:          cfg.MaxPeers,
		DiscoveryInterval: cfg.DiscoveryInterval.Std(),
		HealthInterval:    cfg.HealthInterval.Std(),
		GossipInterval:    cfg.GossipInterval.Std(),
		StaleThreshold:    cfg.StaleThreshold.Std(),
		GossipFanout:      cfg.GossipFanout,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var srv *httpjson.Server
	if cfg.HTTPAddr != "" {
		srv = httpjson.NewServer(cfg.HTTPAddr, cfg.Logger)
		if serverTLS != nil {
			srv.UseTLS(serverTLS)
		}
	}

	return &Node{Mesh: m, Server: srv, swarmTr: swarmTr, swarmSeeds: cfg.SwarmSeeds, logger: cfg.Logger}, nil
}

// Start launches the swarm transport, the peer HTTP surface and the mesh.
func (n *Node) Start(ctx context.Context) error {
	if n.swarmTr != nil {
		if err := n.swarmTr.Start(ctx); err != nil {
			return err
		}
		if len(n.swarmSeeds) > 0 {
			if err := n.swarmTr.Join(n.swarmSeeds); err != nil {
				logutil.Warnf(n.logger, "bootstrap: swarm join failed: %v", err)
			}
		}
	}
	if n.Server != nil {
		hooks := httpjson.Hooks{
			Health: n.Mesh.HealthStatus,
			Peers:  n.Mesh.PeerList,
			Gossip: n.Mesh.IngestGossip,
			Status: n.Mesh.StatusJSON,
		}
		if err := n.Server.Start(ctx, hooks); err != nil {
			return err
		}
		logutil.Infof(n.logger, "bootstrap: peer surface listening at %s", n.Server.Addr())
	}
	return n.Mesh.Start(ctx)
}

// Stop shuts the node down in reverse order.
func (n *Node) Stop(ctx context.Context) error {
	err := n.Mesh.Stop(ctx)
	if n.Server != nil {
		_ = n.Server.Stop(ctx)
	}
	if n.swarmTr != nil {
		_ = n.swarmTr.Stop()
	}
	return err
}

// Run builds and starts a node, returning the instance for lifecycle control.
// The caller is responsible for calling Stop when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// endpointPort extracts the TCP port of the advertised endpoint, used as the
// application-port guess when translating swarm addresses.
func endpointPort(endpoint string) int {
	ep := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.Index(ep, "/"); i >= 0 {
		ep = ep[:i]
	}
	_, portStr, err := net.SplitHostPort(ep)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return p
}
