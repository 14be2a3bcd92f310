package peer

import (
	"testing"
	"time"
)

func TestParseNodeType(t *testing.T) {
	cases := map[string]NodeType{
		"bootstrap": TypeBootstrap,
		"Worker":    TypeWorker,
		" owner ":   TypeOwner,
		"USER":      TypeUser,
		"":          TypeUnknown,
		"validator": TypeUnknown,
	}
	for in, want := range cases {
		if got := ParseNodeType(in); got != want {
			t.Errorf("ParseNodeType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCandidateNormalize(t *testing.T) {
	c := Candidate{Endpoint: " 1.2.3.4:9080/ ", Method: MethodDNS}.Normalize()
	if c.Endpoint != "1.2.3.4:9080" {
		t.Fatalf("Endpoint = %q", c.Endpoint)
	}
	if c.ID != "1.2.3.4:9080" {
		t.Fatalf("ID = %q, want endpoint fallback", c.ID)
	}
	if c.DeclaredType != TypeUnknown {
		t.Fatalf("DeclaredType = %s, want unknown", c.DeclaredType)
	}

	c = Candidate{ID: "n1", Endpoint: "1.2.3.4:9080", DeclaredType: TypeWorker}.Normalize()
	if c.ID != "n1" || c.DeclaredType != TypeWorker {
		t.Fatalf("explicit fields changed: %+v", c)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := &Peer{
		ID:           "p1",
		Methods:      map[Method]struct{}{MethodGossip: {}},
		Capabilities: map[string]string{"gpu": "1"},
		Performance:  map[string]float64{"latency": 3},
	}
	cp := p.Clone()
	cp.Methods[MethodDNS] = struct{}{}
	cp.Capabilities["gpu"] = "2"
	cp.Performance["latency"] = 9
	if _, ok := p.Methods[MethodDNS]; ok {
		t.Fatal("clone shares Methods map")
	}
	if p.Capabilities["gpu"] != "1" {
		t.Fatal("clone shares Capabilities map")
	}
	if p.Performance["latency"] != 3 {
		t.Fatal("clone shares Performance map")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	seen := time.Now().Truncate(time.Second)
	p := &Peer{ID: "p1", Endpoint: "1.2.3.4:9080", DeclaredType: TypeWorker, Status: StatusHealthy, LastSeen: seen}
	d := p.Descriptor()
	if d.ID != "p1" || d.Type != "worker" || d.Status != "healthy" {
		t.Fatalf("descriptor = %+v", d)
	}

	c := FromDescriptor(d, MethodGossip, "peer-x")
	if c.ID != "p1" || c.Endpoint != "1.2.3.4:9080" {
		t.Fatalf("candidate = %+v", c)
	}
	if c.DeclaredType != TypeWorker || c.Method != MethodGossip || c.Source != "peer-x" {
		t.Fatalf("candidate tags = %+v", c)
	}
}

func TestFromDescriptorUnknownType(t *testing.T) {
	c := FromDescriptor(Descriptor{ID: "p2", Endpoint: "5.6.7.8:9080", Type: "martian"}, MethodDNS, "")
	if c.DeclaredType != TypeUnknown {
		t.Fatalf("DeclaredType = %s, want unknown", c.DeclaredType)
	}
}
