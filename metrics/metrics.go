// Package metrics exposes the engine's prometheus counters and gauges:
// hub sessions, peer connections, searches and NAT traversal attempts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HubSessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dcpp",
		Subsystem: "hub",
		Name:      "sessions_open",
		Help:      "Number of hub sessions currently connected.",
	})
	HubSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "hub",
		Name:      "sessions_total",
		Help:      "Hub sessions started, by protocol (adc, adcs, nmdc).",
	}, []string{"protocol"})
	HubReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "hub",
		Name:      "reconnects_total",
		Help:      "Automatic hub reconnect attempts.",
	})

	PeerConnsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dcpp",
		Subsystem: "peer",
		Name:      "connections_open",
		Help:      "Number of peer connections currently open.",
	})
	PeerConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "peer",
		Name:      "connect_attempts_total",
		Help:      "Outbound peer connection attempts, by outcome.",
	}, []string{"outcome"})
	PeerNatTraversal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "peer",
		Name:      "nat_traversal_total",
		Help:      "NAT traversal (DNAT/DRNT) attempts, by role and outcome.",
	}, []string{"role", "outcome"})

	SearchesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "search",
		Name:      "sent_total",
		Help:      "Search requests sent.",
	})
	SearchResultsRecv = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "search",
		Name:      "results_total",
		Help:      "Search results received.",
	})

	HBRIAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "hbri",
		Name:      "attempts_total",
		Help:      "HBRI reachability checks, by outcome.",
	}, []string{"outcome"})

	PortmapActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dcpp",
		Subsystem: "portmap",
		Name:      "active",
		Help:      "Active port mapping, by backend (1) or not (0).",
	}, []string{"backend"})

	WireLinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcpp",
		Subsystem: "wire",
		Name:      "lines_total",
		Help:      "Protocol lines framed on the wire, by protocol and direction (r, w).",
	}, []string{"protocol", "direction"})
)

func init() {
	prometheus.MustRegister(
		HubSessionsOpen, HubSessionsTotal, HubReconnects,
		PeerConnsOpen, PeerConnectAttempts, PeerNatTraversal,
		SearchesSent, SearchResultsRecv,
		HBRIAttempts, PortmapActive, WireLinesTotal,
	)
}

// Serve starts a dedicated metrics HTTP endpoint at addr, mirroring the
// prometheus wiring used for the hub's own stats endpoint.
func Serve(addr string) error {
	return http.ListenAndServe(addr, promhttp.Handler())
}
