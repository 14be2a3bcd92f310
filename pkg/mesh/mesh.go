package mesh

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/amirimatin/go-peernet/pkg/discovery"
	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-peernet/pkg/observability/metrics"
	"github.com/amirimatin/go-peernet/pkg/observability/tracing"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/probe"
	"github.com/amirimatin/go-peernet/pkg/registry"
	"github.com/amirimatin/go-peernet/pkg/transport"
)

// Mesh is the peer discovery and health-monitoring subsystem. It owns the
// registry and drives three periodic activities against it: discovery rounds,
// health-monitor cycles and gossip dissemination, plus fire-and-forget
// verification tasks spawned per admission.
type Mesh struct {
	opts Options
	reg  *registry.Registry
	eb   eventBus

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
	}
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New constructs a Mesh from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Mesh, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	reg, err := registry.New(registry.Options{
		SelfID:       opts.Self.ID,
		SelfEndpoint: opts.Self.Endpoint,
		MaxPeers:     opts.MaxPeers,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Mesh{opts: opts, reg: reg}, nil
}

// Start launches the three periodic loops and triggers an immediate discovery
// round. Idempotent; restarting a stopped mesh is not supported.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run.closed {
		return ErrClosed
	}
	if m.run.started {
		return nil
	}
	m.run.started = true
	obsmetrics.Register()
	m.startedAt = time.Now()
	m.runCtx, m.cancel = context.WithCancel(ctx)

	logutil.Infof(m.opts.Logger, "mesh: starting with %d discovery methods, max %d peers", len(m.opts.Methods), m.opts.MaxPeers)
	m.eb.publish(Event{Type: EventStarted, At: time.Now()})

	m.wg.Add(3)
	go m.discoverLoop(m.runCtx)
	go m.healthLoop(m.runCtx)
	go m.gossipLoop(m.runCtx)
	return nil
}

// Stop cancels all periodic activity and waits for in-flight tasks to settle.
// Idempotent.
func (m *Mesh) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.run.closed {
		m.mu.Unlock()
		return nil
	}
	m.run.closed = true
	started := m.run.started
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	if started {
		m.wg.Wait()
	}
	m.eb.publish(Event{Type: EventStopped, At: time.Now()})
	logutil.Infof(m.opts.Logger, "mesh: stopped")
	return nil
}

// Close is a convenience alias for Stop with a background context.
func (m *Mesh) Close() error { return m.Stop(context.Background()) }

func (m *Mesh) discoverLoop(ctx context.Context) {
	defer m.wg.Done()
	m.RunRound(ctx)
	ticker := time.NewTicker(m.opts.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunRound(ctx)
		}
	}
}

func (m *Mesh) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckPeerHealth(ctx)
		}
	}
}

func (m *Mesh) gossipLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gossipOnce(ctx)
		}
	}
}

// RunRound invokes every discovery method concurrently, admits all candidates
// as they settle and emits a round summary. A failing method contributes
// nothing but never aborts its siblings.
func (m *Mesh) RunRound(ctx context.Context) RoundSummary {
	ctx, end := tracing.StartSpan(ctx, "mesh.discoveryRound")
	defer end()

	results := make([]MethodResult, len(m.opts.Methods))
	var wg sync.WaitGroup
	for i, meth := range m.opts.Methods {
		wg.Add(1)
		go func(i int, meth discovery.Method) {
			defer wg.Done()
			t0 := time.Now()
			name := meth.Name()
			cands, err := meth.Discover(ctx)
			res := MethodResult{Method: name, Candidates: len(cands), Elapsed: time.Since(t0)}
			if err != nil {
				res.Err = err.Error()
				obsmetrics.DiscoveryErrors.WithLabelValues(string(name)).Inc()
				logutil.Warnf(m.opts.Logger, "mesh: %s discovery failed: %v", name, err)
			}
			obsmetrics.DiscoveryCandidates.WithLabelValues(string(name)).Add(float64(len(cands)))
			for _, c := range cands {
				if _, isNew := m.admit(c); isNew {
					res.NewPeers++
				}
			}
			results[i] = res
		}(i, meth)
	}
	wg.Wait()

	summary := RoundSummary{Results: results}
	for _, r := range results {
		summary.TotalNewPeers += r.NewPeers
	}
	obsmetrics.DiscoveryRounds.Inc()
	m.updateGauges()
	logutil.Infof(m.opts.Logger, "mesh: discovery round complete: %d new peers, %d known", summary.TotalNewPeers, m.reg.Len())
	m.eb.publish(Event{Type: EventDiscoveryRound, At: time.Now(), Round: &summary})
	return summary
}

// admit applies one candidate to the registry. A fresh admission emits
// peer_added and schedules an asynchronous verification probe.
func (m *Mesh) admit(c peer.Candidate) (peer.Peer, bool) {
	snap, isNew := m.reg.AdmitOrUpdate(c)
	if !isNew {
		return snap, false
	}
	obsmetrics.DiscoveryAdmitted.WithLabelValues(string(c.Method)).Inc()
	p := snap
	m.eb.publish(Event{Type: EventPeerAdded, At: time.Now(), Peer: &p})
	m.mu.Lock()
	ctx := m.runCtx
	closed := m.run.closed
	m.mu.Unlock()
	if ctx == nil || closed {
		return snap, true
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.verify(ctx, snap)
	}()
	return snap, true
}

// verify is the fire-and-forget verification task spawned per admission. Its
// result is only applied while the peer is still registered and the mesh is
// still running, so a late probe cannot resurrect evicted state.
func (m *Mesh) verify(ctx context.Context, p peer.Peer) {
	ctx, end := tracing.StartSpan(ctx, "mesh.verifyPeer")
	defer end()
	res := m.opts.Prober.Verify(ctx, p.Endpoint)
	if ctx.Err() != nil {
		return
	}
	if res.OK {
		obsmetrics.ProbesTotal.WithLabelValues("verify", "ok").Inc()
		if snap, ok := m.reg.MarkProbeSuccess(p.ID, res.Endpoint, res.Info); ok {
			logutil.Infof(m.opts.Logger, "mesh: verified peer %s at %s", p.ID, res.Endpoint)
			m.updateGauges()
			m.eb.publish(Event{Type: EventPeerVerified, At: time.Now(), Peer: &snap})
		}
		return
	}
	obsmetrics.ProbesTotal.WithLabelValues("verify", "fail").Inc()
	reason := "verification failed"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	m.reg.MarkVerifyFailure(p.ID, reason)
}

// CheckPeerHealth runs one health-monitor cycle: re-probe every peer
// concurrently, then evict peers not freshly observed within the staleness
// window, then emit the aggregate health event.
func (m *Mesh) CheckPeerHealth(ctx context.Context) HealthSummary {
	ctx, end := tracing.StartSpan(ctx, "mesh.healthCheck")
	defer end()

	peers := m.reg.List(registry.Filter{})
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			url := p.VerifiedEndpoint
			if url == "" {
				url = probe.HealthGuess(p.Endpoint)
			}
			res := m.opts.Prober.Check(ctx, url)
			if ctx.Err() != nil {
				return
			}
			switch {
			case res.OK:
				obsmetrics.ProbesTotal.WithLabelValues("health", "ok").Inc()
				m.reg.MarkProbeSuccess(p.ID, res.Endpoint, res.Info)
			case res.BadStatus:
				obsmetrics.ProbesTotal.WithLabelValues("health", "fail").Inc()
				m.reg.MarkUnhealthy(p.ID, res.Err.Error())
			default:
				obsmetrics.ProbesTotal.WithLabelValues("health", "fail").Inc()
				reason := "unreachable"
				if res.Err != nil {
					reason = res.Err.Error()
				}
				m.reg.MarkUnreachable(p.ID, reason)
			}
		}(p)
	}
	wg.Wait()

	cutoff := time.Now().Add(-m.opts.StaleThreshold)
	for _, evicted := range m.reg.EvictStale(cutoff) {
		obsmetrics.EvictionsTotal.Inc()
		logutil.Infof(m.opts.Logger, "mesh: evicted stale peer %s (last seen %s)", evicted.ID, evicted.LastSeen.Format(time.RFC3339))
		p := evicted
		m.eb.publish(Event{Type: EventPeerRemoved, At: time.Now(), Peer: &p})
	}

	stats := m.reg.Stats()
	m.updateGauges()
	summary := HealthSummary{
		TotalPeers:     stats.Total,
		HealthyPeers:   stats.ByStatus[string(peer.StatusHealthy)],
		UnhealthyPeers: stats.Total - stats.ByStatus[string(peer.StatusHealthy)],
	}
	m.eb.publish(Event{Type: EventHealthCheck, At: time.Now(), Health: &summary})
	return summary
}

// gossipOnce pushes the locally-held peer list to a random sample of healthy
// peers. Failures are logged and otherwise ignored.
func (m *Mesh) gossipOnce(ctx context.Context) {
	healthy := m.reg.List(registry.Filter{Status: peer.StatusHealthy})
	if len(healthy) == 0 {
		return
	}
	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	if len(healthy) > m.opts.GossipFanout {
		healthy = healthy[:m.opts.GossipFanout]
	}
	push := transport.GossipPush{Peers: m.descriptors(), From: m.opts.Self.ID}
	for _, target := range healthy {
		if err := m.opts.Client.PushGossip(ctx, target.Endpoint, push); err != nil {
			obsmetrics.GossipPushes.WithLabelValues("fail").Inc()
			logutil.Warnf(m.opts.Logger, "mesh: gossip push to %s failed: %v", target.ID, err)
			continue
		}
		obsmetrics.GossipPushes.WithLabelValues("ok").Inc()
	}
}

// IngestGossip admits a peer list pushed by another node. It backs the
// POST /gossip/peers endpoint.
func (m *Mesh) IngestGossip(ctx context.Context, push transport.GossipPush) error {
	m.mu.Lock()
	started := m.run.started && !m.run.closed
	m.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	for _, desc := range push.Peers {
		m.admit(peer.FromDescriptor(desc, peer.MethodGossip, push.From))
	}
	m.updateGauges()
	return nil
}

// Peers returns all known peers, optionally filtered by declared type. The
// type filter is advisory: declared types are self-reported and unverified.
func (m *Mesh) Peers(t peer.NodeType) []peer.Peer {
	return m.reg.List(registry.Filter{Type: t})
}

// HealthyPeers returns currently-healthy peers, optionally filtered by type.
func (m *Mesh) HealthyPeers(t peer.NodeType) []peer.Peer {
	return m.reg.List(registry.Filter{Type: t, Status: peer.StatusHealthy})
}

// NetworkStats is the aggregate view exposed to the control plane.
type NetworkStats struct {
	registry.Stats
	DiscoveredBootstraps int     `json:"discoveredBootstraps"`
	UptimeSeconds        float64 `json:"uptime"`
}

// bootstrapCounter is implemented by discovery methods that learn additional
// bootstrap endpoints at runtime.
type bootstrapCounter interface {
	DiscoveredBootstraps() int
}

// Stats synthesizes the current network statistics.
func (m *Mesh) Stats() NetworkStats {
	s := NetworkStats{Stats: m.reg.Stats()}
	for _, meth := range m.opts.Methods {
		if bc, ok := meth.(bootstrapCounter); ok {
			s.DiscoveredBootstraps += bc.DiscoveredBootstraps()
		}
	}
	m.mu.Lock()
	if !m.startedAt.IsZero() {
		s.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	m.mu.Unlock()
	return s
}

// HealthStatus reports this node's own health document for the peer surface.
func (m *Mesh) HealthStatus(ctx context.Context) transport.HealthStatus {
	hs := transport.HealthStatus{
		Status:   "ok",
		NodeType: string(m.opts.Self.Type),
		Version:  m.opts.Self.Version,
	}
	m.mu.Lock()
	if !m.startedAt.IsZero() {
		hs.Uptime = time.Since(m.startedAt).Seconds()
	}
	m.mu.Unlock()
	return hs
}

// PeerList serves this node's known peers in wire form.
func (m *Mesh) PeerList(ctx context.Context) transport.PeerList {
	return transport.PeerList{Peers: m.descriptors()}
}

// StatusJSON serves the network statistics document.
func (m *Mesh) StatusJSON(ctx context.Context) ([]byte, error) {
	return json.Marshal(m.Stats())
}

func (m *Mesh) descriptors() []peer.Descriptor {
	peers := m.reg.List(registry.Filter{})
	out := make([]peer.Descriptor, 0, len(peers))
	for i := range peers {
		out = append(out, peers[i].Descriptor())
	}
	return out
}

func (m *Mesh) updateGauges() {
	stats := m.reg.Stats()
	obsmetrics.PeersTotal.Set(float64(stats.Total))
	for _, st := range []peer.Status{peer.StatusDiscovered, peer.StatusHealthy, peer.StatusUnhealthy, peer.StatusUnreachable} {
		obsmetrics.PeersByStatus.WithLabelValues(string(st)).Set(float64(stats.ByStatus[string(st)]))
	}
}
