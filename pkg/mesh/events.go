package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-peernet/pkg/peer"
)

type EventType string

const (
	EventStarted        EventType = "started"
	EventPeerAdded      EventType = "peer_added"
	EventPeerVerified   EventType = "peer_verified"
	EventPeerRemoved    EventType = "peer_removed"
	EventDiscoveryRound EventType = "discovery_round"
	EventHealthCheck    EventType = "health_check"
	EventStopped        EventType = "stopped"
)

// MethodResult describes one discovery method's contribution to a round.
type MethodResult struct {
	Method     peer.Method   `json:"method"`
	Candidates int           `json:"candidates"`
	NewPeers   int           `json:"newPeers"`
	Elapsed    time.Duration `json:"elapsed"`
	Err        string        `json:"error,omitempty"`
}

// RoundSummary aggregates a completed discovery round.
type RoundSummary struct {
	TotalNewPeers int            `json:"totalNewPeers"`
	Results       []MethodResult `json:"results"`
}

// HealthSummary aggregates a completed health-monitor cycle.
type HealthSummary struct {
	TotalPeers     int `json:"totalPeers"`
	HealthyPeers   int `json:"healthyPeers"`
	UnhealthyPeers int `json:"unhealthyPeers"`
}

// Event is an application-consumable notification of subsystem activity.
// Only the fields relevant for an event type are populated.
type Event struct {
	Type   EventType
	At     time.Time
	Peer   *peer.Peer
	Round  *RoundSummary
	Health *HealthSummary
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (m *Mesh) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	m.eb.add(ch)
	go func() {
		<-ctx.Done()
		m.eb.remove(ch)
		close(ch)
	}()
	return ch
}

// internal event bus
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}
