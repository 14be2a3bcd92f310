package httpjson

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/transport"
)

func testHooks() (Hooks, *transport.GossipPush) {
	ingested := &transport.GossipPush{}
	return Hooks{
		Health: func(ctx context.Context) transport.HealthStatus {
			return transport.HealthStatus{Status: "ok", NodeType: "worker", Version: "1.0.0"}
		},
		Peers: func(ctx context.Context) transport.PeerList {
			return transport.PeerList{Peers: []peer.Descriptor{{ID: "p1", Type: "worker", Endpoint: "1.1.1.1:9080"}}}
		},
		Gossip: func(ctx context.Context, push transport.GossipPush) error {
			*ingested = push
			return nil
		},
		Status: func(ctx context.Context) ([]byte, error) {
			return json.Marshal(map[string]int{"totalPeers": 1})
		},
	}, ingested
}

func TestHandlerHealth(t *testing.T) {
	s := NewServer(":0", nil)
	hooks, _ := testHooks()
	ts := httptest.NewServer(s.Handler(hooks))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var hs transport.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "ok" || hs.NodeType != "worker" {
		t.Fatalf("health = %+v", hs)
	}
}

func TestHandlerPeersAndGossip(t *testing.T) {
	s := NewServer(":0", nil)
	hooks, ingested := testHooks()
	ts := httptest.NewServer(s.Handler(hooks))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")
	client := NewClient(2 * time.Second)

	list, err := client.FetchPeers(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Peers) != 1 || list.Peers[0].ID != "p1" {
		t.Fatalf("peers = %+v", list.Peers)
	}

	push := transport.GossipPush{From: "n2", Peers: []peer.Descriptor{{ID: "x", Endpoint: "2.2.2.2:9080"}}}
	if err := client.PushGossip(context.Background(), addr, push); err != nil {
		t.Fatal(err)
	}
	if ingested.From != "n2" || len(ingested.Peers) != 1 {
		t.Fatalf("ingested = %+v", ingested)
	}

	data, err := client.GetStatus(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "totalPeers") {
		t.Fatalf("status body = %s", data)
	}
}

func TestHandlerRejectsBadGossipBody(t *testing.T) {
	s := NewServer(":0", nil)
	hooks, _ := testHooks()
	ts := httptest.NewServer(s.Handler(hooks))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/gossip/peers", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerMetricsExposed(t *testing.T) {
	s := NewServer(":0", nil)
	hooks, _ := testHooks()
	ts := httptest.NewServer(s.Handler(hooks))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	hooks, _ := testHooks()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx, hooks); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Addr = %q, want live listener address", addr)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + addr + "/health"); err == nil {
		t.Fatal("server still answering after Stop")
	}
}
