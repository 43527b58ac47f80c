// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendPacketsTotal counts tagged datagrams (one per fragment) the
	// Sender wrote successfully, by interface.
	SendPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_send_packets_total",
			Help: "Total number of tagged datagrams sent, per interface",
		},
		[]string{"interface"},
	)

	// SendBytesTotal counts wire bytes written per interface.
	SendBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_send_bytes_total",
			Help: "Total number of bytes written to raw sockets",
		},
		[]string{"interface"},
	)

	// SendErrorsTotal counts per-interface send failures.
	SendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_send_errors_total",
			Help: "Total number of per-interface send failures",
		},
		[]string{"interface"},
	)

	// RecvPacketsTotal counts fragments accepted by the Receiver off the queue.
	RecvPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bondtun_recv_packets_total",
			Help: "Total number of fragments received from the kernel queue",
		},
	)

	// RecvDroppedTotal counts fragments dropped (parse failure, reassembly
	// timeout, stale sequence).
	RecvDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_recv_dropped_total",
			Help: "Total number of fragments dropped, by reason",
		},
		[]string{"reason"},
	)

	// RecvOutOfOrderTotal counts fragments that arrived out of sequence order.
	RecvOutOfOrderTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bondtun_recv_out_of_order_total",
			Help: "Total number of fragments that arrived out of sequence order",
		},
	)

	// ReassemblyPending tracks the number of sequence numbers currently
	// buffered awaiting reassembly or forced advance.
	ReassemblyPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bondtun_reassembly_pending",
			Help: "Number of sequence numbers currently buffered awaiting reassembly",
		},
	)

	// SNATSourcesActive tracks the number of distinct destination ports
	// currently tracked by the source table.
	SNATSourcesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bondtun_snat_sources_active",
			Help: "Number of destination ports currently tracked in the SNAT source table",
		},
	)

	// WhitelistAcceptedTotal counts successful HMAC admission checks, by
	// remote address.
	WhitelistAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_whitelist_accepted_total",
			Help: "Total number of whitelist beacons accepted",
		},
		[]string{"remote"},
	)

	// WhitelistRejectedTotal counts failed HMAC admission checks.
	WhitelistRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bondtun_whitelist_rejected_total",
			Help: "Total number of whitelist beacons rejected, by reason",
		},
		[]string{"reason"},
	)
)
