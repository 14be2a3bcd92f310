// Package memberlist backs the swarm layer with HashiCorp memberlist: node
// metadata gossip carries the protocol tag and application endpoint that
// content-routing discovery mines.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/go-peernet/pkg/discovery/swarm"
)

// Options configures the memberlist-backed swarm transport.
type Options struct {
	// NodeID is the unique node identifier.
	NodeID string

	// Bind is the bind address in host:port form (e.g. ":7946").
	Bind string

	// Advertise is the advertised address (host:port) that peers will use to
	// reach this node. If empty, memberlist derives it from Bind.
	Advertise string

	// ProtocolTag is gossiped in node metadata so that application peers can
	// recognize each other among arbitrary swarm members.
	ProtocolTag string

	// Endpoint is this node's application endpoint, gossiped in metadata.
	Endpoint string

	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger

	// Tuning parameters (optional). Zero means use defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// Transport is the memberlist-backed swarm.Swarm implementation.
type Transport struct {
	mu   sync.RWMutex
	opts Options
	ml   *memberlist.Memberlist
	del  *nodeDelegate
}

// New constructs the transport. Call Start to launch it.
func New(opts Options) (*Transport, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.ProtocolTag == "" {
		opts.ProtocolTag = swarm.DefaultProtocolTag
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Transport{opts: opts}, nil
}

// nodeMeta is the metadata document gossiped for each node. It must stay well
// under memberlist's 512-byte meta limit.
type nodeMeta struct {
	Proto    string `json:"proto"`
	Endpoint string `json:"endpoint"`
	Info     string `json:"info,omitempty"`
}

// Start creates and launches the underlying memberlist instance.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = t.opts.NodeID
	cfg.Logger = t.opts.Logger
	host, portStr, err := net.SplitHostPort(t.opts.Bind)
	if err != nil {
		return fmt.Errorf("memberlist: invalid bind address %q: %w", t.opts.Bind, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if t.opts.Advertise != "" {
		ahost, aportStr, err := net.SplitHostPort(t.opts.Advertise)
		if err != nil {
			return fmt.Errorf("memberlist: invalid advertise address %q: %w", t.opts.Advertise, err)
		}
		aport, err := parsePort(aportStr)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}

	if t.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = t.opts.ProbeInterval
	}
	if t.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = t.opts.ProbeTimeout
	}
	if t.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = t.opts.SuspicionMult
	}

	t.del = &nodeDelegate{}
	t.del.set(nodeMeta{Proto: t.opts.ProtocolTag, Endpoint: t.opts.Endpoint})
	cfg.Delegate = t.del

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	t.ml = ml

	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

// Join connects to the given swarm seeds (host:port).
func (t *Transport) Join(seeds []string) error {
	t.mu.RLock()
	ml := t.ml
	t.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

// Peers lists currently known swarm members, excluding this node, translated
// into swarm.PeerInfo.
func (t *Transport) Peers(ctx context.Context) ([]swarm.PeerInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ml == nil {
		return nil, fmt.Errorf("memberlist: not started")
	}
	nodes := t.ml.Members()
	out := make([]swarm.PeerInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == t.opts.NodeID {
			continue
		}
		var meta nodeMeta
		if len(n.Meta) > 0 {
			_ = json.Unmarshal(n.Meta, &meta)
		}
		pi := swarm.PeerInfo{
			ID:       n.Name,
			Addr:     net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)),
			Endpoint: meta.Endpoint,
		}
		if meta.Proto != "" {
			pi.Protocols = []string{meta.Proto}
		}
		out = append(out, pi)
	}
	return out, nil
}

// Announce attaches the node-info blob to this node's gossiped metadata and
// pushes an update to the cluster. Memberlist caps metadata at 512 bytes, so
// oversized blobs are rejected rather than silently truncated.
func (t *Transport) Announce(ctx context.Context, blob []byte) error {
	t.mu.RLock()
	ml := t.ml
	del := t.del
	t.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	meta := nodeMeta{Proto: t.opts.ProtocolTag, Endpoint: t.opts.Endpoint, Info: string(blob)}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if len(b) > memberlist.MetaMaxSize {
		return fmt.Errorf("memberlist: announce blob too large (%d bytes)", len(b))
	}
	del.set(meta)
	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	return ml.UpdateNode(timeout)
}

// Stop shuts the memberlist instance down.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ml == nil {
		return nil
	}
	_ = t.ml.Leave(time.Second)
	err := t.ml.Shutdown()
	t.ml = nil
	return err
}

var _ swarm.Swarm = (*Transport)(nil)

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	return p, nil
}

// nodeDelegate implements memberlist.Delegate to gossip node metadata.
type nodeDelegate struct {
	mu   sync.RWMutex
	meta []byte
}

func (d *nodeDelegate) set(m nodeMeta) {
	b, _ := json.Marshal(m)
	d.mu.Lock()
	d.meta = b
	d.mu.Unlock()
}

// NodeMeta is used to retrieve meta-data about the current node when
// broadcasting an alive message. The returned byte slice will be truncated to
// the given limit.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

// Unused hooks for our purposes; required to satisfy the interface.
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
