package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClientsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_connected_clients",
			Help: "Number of live control connections",
		},
	)
	activeStreamsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_active_streams",
			Help: "Number of in-flight public streams",
		},
	)
	edgeConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_edge_connections_total",
			Help: "Public edge connections by routing outcome",
		},
		[]string{"outcome"},
	)
	handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_handshakes_total",
			Help: "Control handshakes by verdict",
		},
		[]string{"verdict"},
	)
)
