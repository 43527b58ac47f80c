// Package stats holds the atomic counters shared by the Sender and
// Receiver goroutines and read by the status endpoint and metrics exporter.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is read-mostly: the Sender, the Receiver and the whitelist server
// are the only writers, the status endpoint and metrics exporter are readers. Every counter is a
// plain atomic with relaxed ordering — there is no cross-counter invariant
// that needs a stronger fence.
type Stats struct {
	StartTime time.Time

	SendReady   atomic.Bool
	SendTotal   atomic.Uint64
	SendCurrent atomic.Uint64
	SendBytes   atomic.Uint64

	RecvReady       atomic.Bool
	RecvTotal       atomic.Uint64
	RecvDropped     atomic.Uint64
	RecvCurrent     atomic.Uint64
	RecvBytes       atomic.Uint64
	RecvOutOfOrder  atomic.Uint64

	whitelistMu  sync.Mutex
	whitelisted  []string
}

// New returns a freshly zeroed Stats with StartTime set to now.
func New() *Stats {
	return &Stats{StartTime: time.Now()}
}

// AddWhitelisted records a newly accepted source IP. Duplicate inserts are
// ignored so repeated HMAC beacons from an already-accepted address don't
// grow the list.
func (s *Stats) AddWhitelisted(ip string) {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()
	for _, existing := range s.whitelisted {
		if existing == ip {
			return
		}
	}
	s.whitelisted = append(s.whitelisted, ip)
}

// Whitelisted returns a snapshot copy of the accepted source IPs.
func (s *Stats) Whitelisted() []string {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()
	out := make([]string, len(s.whitelisted))
	copy(out, s.whitelisted)
	return out
}

// Snapshot is a point-in-time, JSON-friendly copy of Stats for the status
// endpoint and CLI `status` subcommand.
type Snapshot struct {
	UptimeSeconds  float64  `json:"uptime_seconds"`
	SendReady      bool     `json:"send_ready"`
	SendTotal      uint64   `json:"send_total"`
	SendCurrent    uint64   `json:"send_current"`
	SendBytes      uint64   `json:"send_bytes"`
	RecvReady      bool     `json:"recv_ready"`
	RecvTotal      uint64   `json:"recv_total"`
	RecvDropped    uint64   `json:"recv_dropped"`
	RecvCurrent    uint64   `json:"recv_current"`
	RecvBytes      uint64   `json:"recv_bytes"`
	RecvOutOfOrder uint64   `json:"recv_out_of_order"`
	Whitelisted    []string `json:"whitelisted"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:  time.Since(s.StartTime).Seconds(),
		SendReady:      s.SendReady.Load(),
		SendTotal:      s.SendTotal.Load(),
		SendCurrent:    s.SendCurrent.Load(),
		SendBytes:      s.SendBytes.Load(),
		RecvReady:      s.RecvReady.Load(),
		RecvTotal:      s.RecvTotal.Load(),
		RecvDropped:    s.RecvDropped.Load(),
		RecvCurrent:    s.RecvCurrent.Load(),
		RecvBytes:      s.RecvBytes.Load(),
		RecvOutOfOrder: s.RecvOutOfOrder.Load(),
		Whitelisted:    s.Whitelisted(),
	}
}
