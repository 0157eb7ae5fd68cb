// Package metrics exposes the relay's Prometheus instrumentation. The
// counters mirror the drop/accept call sites katzenpost's server wires
// into its internal instrument package, but count this relay's own
// datagram, peer and client events instead.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DatagramsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "datagrams_received_total",
		Help:      "Datagrams accepted off the socket, by message type.",
	}, []string{"msg_type"})

	DatagramsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "datagrams_dropped_total",
		Help:      "Datagrams dropped before dispatch, by reason.",
	}, []string{"reason"})

	DatagramsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "datagrams_sent_total",
		Help:      "Datagrams handed to the socket, including acks and retransmits.",
	})

	Retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "retransmissions_total",
		Help:      "Reliable frames resent by the retry scheduler.",
	})

	RetryCapDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "retry_cap_drops_total",
		Help:      "Unacked reliable frames dropped after exceeding the retry cap.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vrelay",
		Name:      "peers_connected",
		Help:      "Peers with recent traffic, tracked by the reliability layer.",
	})

	PeerTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "peer_timeouts_total",
		Help:      "Peers evicted for exceeding PeerTimeout.",
	})

	ClientsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "clients_joined_total",
		Help:      "Successful join authentications.",
	})

	ClientsLeft = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "clients_left_total",
		Help:      "Clients removed by disconnect, timeout or sweep.",
	})

	DispatchPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrelay",
		Name:      "dispatch_panics_total",
		Help:      "Recovered panics during application-frame dispatch.",
	})
)

func init() {
	prometheus.MustRegister(
		DatagramsReceived,
		DatagramsDropped,
		DatagramsSent,
		Retransmissions,
		RetryCapDrops,
		PeersConnected,
		PeerTimeouts,
		ClientsJoined,
		ClientsLeft,
		DispatchPanics,
	)
}
