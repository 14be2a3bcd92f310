package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	PeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peernet",
		Name:      "peers_total",
		Help:      "Current number of registered peers",
	})

	PeersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peernet",
		Name:      "peers_by_status",
		Help:      "Current number of registered peers per status",
	}, []string{"status"})

	DiscoveryRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "discovery",
		Name:      "rounds_total",
		Help:      "Total number of completed discovery rounds",
	})

	DiscoveryCandidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "discovery",
		Name:      "candidates_total",
		Help:      "Total peer candidates returned, per discovery method",
	}, []string{"method"})

	DiscoveryAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "discovery",
		Name:      "admitted_total",
		Help:      "Total newly admitted peers, per discovery method",
	}, []string{"method"})

	DiscoveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "discovery",
		Name:      "errors_total",
		Help:      "Total failed discovery method invocations, per method",
	}, []string{"method"})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "probe",
		Name:      "total",
		Help:      "Total reachability probes by kind (verify/health) and result",
	}, []string{"kind", "result"})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peernet",
		Name:      "evictions_total",
		Help:      "Total peers evicted for staleness",
	})

	GossipPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peernet",
		Subsystem: "gossip",
		Name:      "pushes_total",
		Help:      "Total gossip peer-list pushes by result",
	}, []string{"result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(PeersTotal)
		prometheus.MustRegister(PeersByStatus)
		prometheus.MustRegister(DiscoveryRounds)
		prometheus.MustRegister(DiscoveryCandidates)
		prometheus.MustRegister(DiscoveryAdmitted)
		prometheus.MustRegister(DiscoveryErrors)
		prometheus.MustRegister(ProbesTotal)
		prometheus.MustRegister(EvictionsTotal)
		prometheus.MustRegister(GossipPushes)
	})
}
