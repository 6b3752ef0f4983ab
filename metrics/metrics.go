// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the stack.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: datagrams, segments, connections.
//   - the success or error status of any of the above.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsReceived counts IP datagrams read from the TUN port by address family.
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfc793_datagrams_received_total",
			Help: "IP datagrams read from the TUN port",
		},
		[]string{"af"})

	// SegmentsSent counts TCP segments written to the TUN port by address family.
	SegmentsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfc793_segments_sent_total",
			Help: "TCP segments written to the TUN port",
		},
		[]string{"af"})

	// SegmentsDropped counts inbound segments discarded before delivery,
	// labelled by the reason for the drop.
	SegmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfc793_segments_dropped_total",
			Help: "inbound TCP segments discarded before delivery",
		},
		[]string{"reason"})

	// ParseErrors counts malformed packets by the layer that rejected them.
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfc793_parse_errors_total",
			Help: "malformed packets by rejecting layer",
		},
		[]string{"layer"})

	// Retransmissions counts segments resent after an expired retransmission timer.
	Retransmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rfc793_retransmissions_total",
			Help: "segments resent after an expired retransmission timer",
		})

	// ResetsSent counts RST segments emitted.
	ResetsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rfc793_resets_sent_total",
			Help: "RST segments emitted",
		})

	// ResetsReceived counts RST segments accepted in window.
	ResetsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rfc793_resets_received_total",
			Help: "RST segments accepted in window",
		})

	// ConnectionsAccepted counts connections returned by Accept.
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rfc793_connections_accepted_total",
			Help: "connections returned by Accept",
		})

	// EstablishedConnections tracks the size of the established index.
	EstablishedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rfc793_established_connections",
			Help: "connections currently in the established index",
		})

	// PendingConnections tracks the size of the half-open pending queue.
	PendingConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rfc793_pending_connections",
			Help: "half-open connections awaiting the final handshake ACK or accept",
		})
)
