package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amirimatin/go-peernet/pkg/discovery"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/probe"
	"github.com/amirimatin/go-peernet/pkg/transport"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

type stubMethod struct {
	name  peer.Method
	cands []peer.Candidate
	err   error

	mu         sync.Mutex
	discovered int
	bootstraps int
}

func (s *stubMethod) Name() peer.Method { return s.name }

func (s *stubMethod) Discover(ctx context.Context) ([]peer.Candidate, error) {
	s.mu.Lock()
	s.discovered++
	s.mu.Unlock()
	return s.cands, s.err
}

func (s *stubMethod) DiscoveredBootstraps() int { return s.bootstraps }

func newTestMesh(t *testing.T, methods ...discovery.Method) *Mesh {
	t.Helper()
	m, err := New(Options{
		Self:              Identity{ID: "self", Type: peer.TypeWorker, Endpoint: "10.0.0.1:9080"},
		Methods:           methods,
		Prober:            probe.New(probe.Options{Logger: quiet()}),
		Client:            httpjson.NewClient(time.Second),
		DiscoveryInterval: time.Hour,
		HealthInterval:    time.Hour,
		GossipInterval:    time.Hour,
		Logger:            quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func closedPortAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestValidateOptions(t *testing.T) {
	base := Options{
		Self:    Identity{ID: "n1", Endpoint: "1.1.1.1:9080"},
		Methods: []discovery.Method{&stubMethod{name: peer.MethodDNS}},
		Prober:  probe.New(probe.Options{Logger: quiet()}),
		Client:  httpjson.NewClient(time.Second),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	for name, mutate := range map[string]func(*Options){
		"no id":       func(o *Options) { o.Self.ID = "" },
		"no endpoint": func(o *Options) { o.Self.Endpoint = "" },
		"no methods":  func(o *Options) { o.Methods = nil },
		"no prober":   func(o *Options) { o.Prober = nil },
		"no client":   func(o *Options) { o.Client = nil },
	} {
		o := base
		mutate(&o)
		if err := o.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestRunRoundDeduplicatesAcrossMethods(t *testing.T) {
	ep := "1.2.3.4:9080"
	m1 := &stubMethod{name: peer.MethodBootstrap, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodBootstrap}}}
	m2 := &stubMethod{name: peer.MethodDHT, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodDHT}}}
	m := newTestMesh(t, m1, m2)

	sum := m.RunRound(context.Background())
	if sum.TotalNewPeers != 1 {
		t.Fatalf("TotalNewPeers = %d, want 1", sum.TotalNewPeers)
	}
	peers := m.Peers("")
	if len(peers) != 1 {
		t.Fatalf("Peers = %d entries, want 1", len(peers))
	}
	p := peers[0]
	if !p.HasMethod(peer.MethodBootstrap) || !p.HasMethod(peer.MethodDHT) {
		t.Fatalf("methods = %v, want union of both channels", p.MethodList())
	}

	// A second identical round adds nothing.
	sum = m.RunRound(context.Background())
	if sum.TotalNewPeers != 0 {
		t.Fatalf("TotalNewPeers = %d on repeat round, want 0", sum.TotalNewPeers)
	}
	if m.reg.Len() != 1 {
		t.Fatalf("registry Len = %d, want 1", m.reg.Len())
	}
}

func TestRunRoundMethodFailureIsIsolated(t *testing.T) {
	ok := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: "1.1.1.1:9080", Method: peer.MethodDNS}}}
	bad := &stubMethod{name: peer.MethodBootstrap, err: errors.New("directory down")}
	m := newTestMesh(t, ok, bad)

	sum := m.RunRound(context.Background())
	if sum.TotalNewPeers != 1 {
		t.Fatalf("TotalNewPeers = %d, want 1 despite failing sibling", sum.TotalNewPeers)
	}
	var failed *MethodResult
	for i := range sum.Results {
		if sum.Results[i].Method == peer.MethodBootstrap {
			failed = &sum.Results[i]
		}
	}
	if failed == nil || failed.Err == "" {
		t.Fatalf("results = %+v, want recorded method error", sum.Results)
	}
}

func TestVerifyPromotesToHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","nodeType":"owner","version":"3.0.1"}`))
	}))
	defer ts.Close()
	ep := strings.TrimPrefix(ts.URL, "http://")

	meth := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodDNS}}}
	m := newTestMesh(t, meth)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	waitFor(t, 5*time.Second, func() bool { return len(m.HealthyPeers("")) == 1 })
	p := m.HealthyPeers("")[0]
	if p.VerifiedEndpoint == "" {
		t.Fatal("VerifiedEndpoint not recorded")
	}
	if p.DeclaredType != peer.TypeOwner || p.Version != "3.0.1" {
		t.Fatalf("advertised info not absorbed: %+v", p)
	}
}

func TestVerifyFailureLeavesDiscovered(t *testing.T) {
	ep := closedPortAddr(t)
	meth := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodDNS}}}
	m := newTestMesh(t, meth)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	waitFor(t, 5*time.Second, func() bool {
		peers := m.Peers("")
		return len(peers) == 1 && peers[0].LastError != ""
	})
	p := m.Peers("")[0]
	if p.Status != peer.StatusDiscovered {
		t.Fatalf("Status = %s, want discovered after failed verification", p.Status)
	}
}

func TestCheckPeerHealthEvictsStale(t *testing.T) {
	// The peer answers probes the whole time; eviction is keyed on discovery
	// sightings alone, so reachability does not save it.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	ep := strings.TrimPrefix(ts.URL, "http://")
	meth := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodDNS}}}
	m, err := New(Options{
		Self:              Identity{ID: "self", Endpoint: "10.0.0.1:9080"},
		Methods:           []discovery.Method{meth},
		Prober:            probe.New(probe.Options{Logger: quiet()}),
		Client:            httpjson.NewClient(time.Second),
		DiscoveryInterval: time.Hour,
		HealthInterval:    time.Hour,
		GossipInterval:    time.Hour,
		StaleThreshold:    50 * time.Millisecond,
		Logger:            quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	m.RunRound(context.Background())
	if m.reg.Len() != 1 {
		t.Fatalf("registry Len = %d, want 1", m.reg.Len())
	}
	m.reg.MarkProbeSuccess("p1", "http://"+ep+"/health", nil)

	// No discovery sighting refreshes the peer past the staleness window; the
	// succeeding probe during the cycle does not count as one.
	time.Sleep(100 * time.Millisecond)
	sum := m.CheckPeerHealth(context.Background())
	if sum.TotalPeers != 0 {
		t.Fatalf("TotalPeers = %d, want 0 after eviction", sum.TotalPeers)
	}
	if m.reg.Len() != 0 {
		t.Fatal("stale peer not evicted")
	}

	removed := false
	for !removed {
		select {
		case ev := <-events:
			if ev.Type == EventPeerRemoved && ev.Peer != nil && ev.Peer.ID == "p1" {
				removed = true
			}
		default:
			t.Fatal("peer_removed event not published")
		}
	}
	drainEvents(events)
}

func TestCheckPeerHealthTransitions(t *testing.T) {
	var healthy bool
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	ep := strings.TrimPrefix(ts.URL, "http://")

	meth := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: ep, Method: peer.MethodDNS}}}
	m := newTestMesh(t, meth)
	m.RunRound(context.Background())

	// Promote manually, then flip the server to failing and run a cycle.
	m.reg.MarkProbeSuccess("p1", "http://"+ep+"/health", nil)
	sum := m.CheckPeerHealth(context.Background())
	if sum.HealthyPeers != 0 {
		t.Fatalf("HealthyPeers = %d, want 0", sum.HealthyPeers)
	}
	p, _ := m.reg.Get("p1")
	if p.Status != peer.StatusUnhealthy {
		t.Fatalf("Status = %s, want unhealthy after HTTP rejection", p.Status)
	}

	// Recovery.
	mu.Lock()
	healthy = true
	mu.Unlock()
	sum = m.CheckPeerHealth(context.Background())
	if sum.HealthyPeers != 1 {
		t.Fatalf("HealthyPeers = %d, want 1 after recovery", sum.HealthyPeers)
	}
}

func TestIngestGossip(t *testing.T) {
	meth := &stubMethod{name: peer.MethodDNS}
	m := newTestMesh(t, meth)

	push := transport.GossipPush{
		From: "remote",
		Peers: []peer.Descriptor{
			{ID: "self", Endpoint: "10.0.0.1:9080"},
			{ID: "p1", Type: "worker", Endpoint: "1.1.1.1:9080"},
		},
	}
	if err := m.IngestGossip(context.Background(), push); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("IngestGossip before Start = %v, want ErrNotStarted", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.IngestGossip(context.Background(), push); err != nil {
		t.Fatal(err)
	}
	peers := m.Peers("")
	if len(peers) != 1 || peers[0].ID != "p1" {
		t.Fatalf("peers = %+v, want only p1 (self filtered)", peers)
	}
	if !peers[0].HasMethod(peer.MethodGossip) {
		t.Fatal("gossip method not recorded")
	}
}

func TestGossipOncePushesToHealthyPeers(t *testing.T) {
	var mu sync.Mutex
	var got *transport.GossipPush
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/gossip/peers" {
			var push transport.GossipPush
			_ = json.NewDecoder(r.Body).Decode(&push)
			mu.Lock()
			got = &push
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	ep := strings.TrimPrefix(ts.URL, "http://")

	m := newTestMesh(t, &stubMethod{name: peer.MethodDNS})
	m.reg.AdmitOrUpdate(peer.Candidate{ID: "target", Endpoint: ep, Method: peer.MethodDNS})
	m.reg.MarkProbeSuccess("target", "http://"+ep+"/health", nil)

	m.gossipOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("no gossip push received")
	}
	if got.From != "self" {
		t.Fatalf("From = %q, want self", got.From)
	}
	if len(got.Peers) != 1 || got.Peers[0].ID != "target" {
		t.Fatalf("pushed peers = %+v", got.Peers)
	}
}

func TestStatsAggregates(t *testing.T) {
	meth := &stubMethod{name: peer.MethodBootstrap, bootstraps: 2}
	m := newTestMesh(t, meth)
	m.reg.AdmitOrUpdate(peer.Candidate{ID: "p1", Endpoint: "1.1.1.1:9080", DeclaredType: peer.TypeWorker, Method: peer.MethodBootstrap})
	m.reg.AdmitOrUpdate(peer.Candidate{ID: "p2", Endpoint: "2.2.2.2:9080", DeclaredType: peer.TypeBootstrap, Method: peer.MethodDNS})
	m.reg.MarkProbeSuccess("p1", "http://1.1.1.1:9080/health", nil)

	s := m.Stats()
	if s.Total != 2 {
		t.Fatalf("Total = %d, want 2", s.Total)
	}
	if s.DiscoveredBootstraps != 2 {
		t.Fatalf("DiscoveredBootstraps = %d, want 2", s.DiscoveredBootstraps)
	}
	if s.ByStatus["healthy"] != 1 || s.ByStatus["discovered"] != 1 {
		t.Fatalf("ByStatus = %v", s.ByStatus)
	}

	// The stats document round-trips to the wire shape the CLI expects.
	data, err := m.StatusJSON(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["totalPeers"].(float64) != 2 {
		t.Fatalf("totalPeers = %v", decoded["totalPeers"])
	}
	if _, ok := decoded["byDiscoveryMethod"]; !ok {
		t.Fatal("byDiscoveryMethod missing from stats document")
	}
}

func TestLifecycleAndEvents(t *testing.T) {
	meth := &stubMethod{name: peer.MethodDNS, cands: []peer.Candidate{{ID: "p1", Endpoint: closedPortAddr(t), Method: peer.MethodDNS}}}
	m := newTestMesh(t, meth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Start is idempotent.
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := collectEvents(t, events, 3*time.Second, EventStarted, EventPeerAdded, EventDiscoveryRound)
	if !seen[EventStarted] || !seen[EventPeerAdded] || !seen[EventDiscoveryRound] {
		t.Fatalf("events = %v", seen)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Stop is idempotent; a stopped mesh cannot restart.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("restart = %v, want ErrClosed", err)
	}
}

func TestHealthStatusDocument(t *testing.T) {
	m := newTestMesh(t, &stubMethod{name: peer.MethodDNS})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	hs := m.HealthStatus(context.Background())
	if hs.Status != "ok" || hs.NodeType != "worker" {
		t.Fatalf("health = %+v", hs)
	}
	if hs.Uptime < 0 {
		t.Fatalf("Uptime = %f", hs.Uptime)
	}
}

func collectEvents(t *testing.T, ch <-chan Event, timeout time.Duration, want ...EventType) map[EventType]bool {
	t.Helper()
	wanted := make(map[EventType]bool, len(want))
	seen := make(map[EventType]bool)
	for _, w := range want {
		wanted[w] = true
	}
	deadline := time.After(timeout)
	for {
		remaining := false
		for w := range wanted {
			if !seen[w] {
				remaining = true
			}
		}
		if !remaining {
			return seen
		}
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		case <-deadline:
			return seen
		}
	}
}

func drainEvents(ch <-chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
