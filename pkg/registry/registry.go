package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	"github.com/amirimatin/go-peernet/pkg/peer"
)

// Options configures the registry. Self identity is used to reject attempts
// to register this node as its own peer.
type Options struct {
	SelfID       string
	SelfEndpoint string
	// MaxPeers bounds the registry size; admissions beyond the cap are
	// rejected, never evicted-to-make-room. Defaults to 50.
	MaxPeers int
	// Logger is optional; log.Default() is used when nil.
	Logger *log.Logger
}

// Registry is the bounded, mutex-guarded store of known peers. It is the only
// shared mutable state of the subsystem: discovery rounds, verification tasks,
// the health monitor and gossip all read and write it concurrently.
type Registry struct {
	mu    sync.RWMutex
	opts  Options
	peers map[string]*peer.Peer
	now   func() time.Time
}

// New constructs an empty registry.
func New(opts Options) (*Registry, error) {
	if opts.SelfID == "" {
		return nil, errors.New("registry: empty SelfID")
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 50
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Registry{opts: opts, peers: make(map[string]*peer.Peer), now: time.Now}, nil
}

// AdmitOrUpdate applies a discovery sighting. Self-sightings are rejected.
// For a known peer it refreshes LastSeen and unions the discovery method set.
// A new peer is inserted as discovered unless the capacity bound is reached.
// The returned snapshot is valid in both cases; new reports whether a fresh
// entry was inserted.
func (r *Registry) AdmitOrUpdate(c peer.Candidate) (peer.Peer, bool) {
	c = c.Normalize()
	if c.ID == r.opts.SelfID || (c.Endpoint != "" && c.Endpoint == r.opts.SelfEndpoint) {
		return peer.Peer{}, false
	}
	if c.Endpoint == "" {
		return peer.Peer{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[c.ID]; ok {
		p.LastSeen = r.now()
		p.Methods[c.Method] = struct{}{}
		if p.DeclaredType == peer.TypeUnknown && c.DeclaredType != peer.TypeUnknown {
			p.DeclaredType = c.DeclaredType
		}
		for k, v := range c.Capabilities {
			if p.Capabilities == nil {
				p.Capabilities = make(map[string]string)
			}
			p.Capabilities[k] = v
		}
		return p.Clone(), false
	}
	if len(r.peers) >= r.opts.MaxPeers {
		logutil.Warnf(r.opts.Logger, "registry: at capacity (%d), rejecting peer %s", r.opts.MaxPeers, c.ID)
		return peer.Peer{}, false
	}
	now := r.now()
	p := &peer.Peer{
		ID:           c.ID,
		Endpoint:     c.Endpoint,
		DeclaredType: c.DeclaredType,
		Status:       peer.StatusDiscovered,
		Methods:      map[peer.Method]struct{}{c.Method: {}},
		Capabilities: c.Capabilities,
		AddedAt:      now,
		LastSeen:     now,
	}
	r.peers[c.ID] = p
	return p.Clone(), true
}

// Remove unconditionally deletes a peer. The removed snapshot is returned
// when the peer existed.
func (r *Registry) Remove(id string) (peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return peer.Peer{}, false
	}
	delete(r.peers, id)
	return p.Clone(), true
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(id string) (peer.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return peer.Peer{}, false
	}
	return p.Clone(), true
}

// Len returns the current number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type   peer.NodeType
	Status peer.Status
}

// List returns snapshots of all peers matching the filter.
func (r *Registry) List(f Filter) []peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if f.Type != "" && p.DeclaredType != f.Type {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// MarkProbeSuccess records a successful probe: the peer becomes healthy, the
// probed URL is remembered as the verified endpoint and advertised metrics are
// absorbed. LastSeen is deliberately not touched; it tracks discovery
// sightings only, so staleness eviction is independent of probe results. The
// call is a no-op when the peer has been evicted in the meantime, so a late
// probe result cannot resurrect a removed entry.
func (r *Registry) MarkProbeSuccess(id, url string, info *peer.HealthInfo) (peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return peer.Peer{}, false
	}
	p.Status = peer.StatusHealthy
	p.VerifiedEndpoint = url
	p.LastHealthCheck = r.now()
	p.LastError = ""
	if info != nil {
		if info.NodeType != "" && info.NodeType != peer.TypeUnknown {
			p.DeclaredType = info.NodeType
		}
		if info.Version != "" {
			p.Version = info.Version
		}
		if info.Uptime > 0 {
			p.Uptime = info.Uptime
		}
		if info.Performance != nil {
			p.Performance = info.Performance
		}
	}
	return p.Clone(), true
}

// MarkVerifyFailure records a failed first verification. Newly discovered
// peers that fail verification stay discovered; a peer promoted to healthy by
// a concurrent probe is left untouched.
func (r *Registry) MarkVerifyFailure(id, reason string) (peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return peer.Peer{}, false
	}
	if p.Status == peer.StatusDiscovered {
		p.LastError = reason
		p.LastHealthCheck = r.now()
	}
	return p.Clone(), true
}

// MarkUnhealthy records a probe that was answered with a failing HTTP status.
func (r *Registry) MarkUnhealthy(id, reason string) (peer.Peer, bool) {
	return r.markDown(id, reason, peer.StatusUnhealthy)
}

// MarkUnreachable records a probe that failed at the transport level.
func (r *Registry) MarkUnreachable(id, reason string) (peer.Peer, bool) {
	return r.markDown(id, reason, peer.StatusUnreachable)
}

func (r *Registry) markDown(id, reason string, st peer.Status) (peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return peer.Peer{}, false
	}
	// A never-verified peer is not demoted below discovered.
	if p.Status != peer.StatusDiscovered {
		p.Status = st
	}
	p.LastError = reason
	p.LastHealthCheck = r.now()
	return p.Clone(), true
}

// EvictStale removes every peer whose LastSeen is older than cutoff,
// regardless of status, and returns the removed snapshots.
func (r *Registry) EvictStale(cutoff time.Time) []peer.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []peer.Peer
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			out = append(out, p.Clone())
			delete(r.peers, id)
		}
	}
	return out
}

// Stats is an aggregate projection over the registry.
type Stats struct {
	Total    int            `json:"totalPeers"`
	ByType   map[string]int `json:"byType"`
	ByStatus map[string]int `json:"byStatus"`
	ByMethod map[string]int `json:"byDiscoveryMethod"`
}

// Stats computes per-type, per-status and per-method counts in one pass.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:    len(r.peers),
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
		ByMethod: make(map[string]int),
	}
	for _, p := range r.peers {
		s.ByType[string(p.DeclaredType)]++
		s.ByStatus[string(p.Status)]++
		for m := range p.Methods {
			s.ByMethod[string(m)]++
		}
	}
	return s
}
