// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator bundles the gauges and counters the coordinator hub updates.
type Coordinator struct {
	ActiveConnections prometheus.Gauge
	RegisteredCodes   prometheus.Gauge
	SignalsForwarded  prometheus.Counter
	PairRequests      prometheus.Counter
	PairMatches       prometheus.Counter
	RendezvousEntries prometheus.Gauge
	DeadDropsServed   prometheus.Counter
	LiveMatches       prometheus.Counter
	ChunkCacheSize    prometheus.Gauge
	ChunkCacheHits    prometheus.Counter
	ChunkCacheMisses  prometheus.Counter
}

// NewCoordinator registers the coordinator collectors on a fresh registry
// and returns both.
func NewCoordinator() (*Coordinator, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Coordinator{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_coordinator_active_connections",
			Help: "WebSocket connections currently open.",
		}),
		RegisteredCodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_coordinator_registered_codes",
			Help: "Pairing codes currently registered.",
		}),
		SignalsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_signals_forwarded_total",
			Help: "Offer/answer/candidate messages forwarded.",
		}),
		PairRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_pair_requests_total",
			Help: "Pair requests received.",
		}),
		PairMatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_pair_matches_total",
			Help: "Successful pair matches.",
		}),
		RendezvousEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_coordinator_rendezvous_entries",
			Help: "Live rendezvous registry entries.",
		}),
		DeadDropsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_deaddrops_served_total",
			Help: "Dead drops returned to registering peers.",
		}),
		LiveMatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_live_matches_total",
			Help: "Hourly-token live matches delivered.",
		}),
		ChunkCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_coordinator_chunk_cache_entries",
			Help: "Chunks currently cached.",
		}),
		ChunkCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_chunk_cache_hits_total",
			Help: "Chunk requests served from cache.",
		}),
		ChunkCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "zajel_coordinator_chunk_cache_misses_total",
			Help: "Chunk requests that missed the cache.",
		}),
	}
	return c, reg
}

// Handler returns an HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
