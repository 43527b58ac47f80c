// Package sender implements the tunnel's egress half: pull queued packets,
// tag them with a fragmentation/sequence trailer, and fan them out across
// the configured egress interfaces.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/outpostnet/bondtun/internal/berr"
	"github.com/outpostnet/bondtun/internal/ipv4udp"
	"github.com/outpostnet/bondtun/internal/metrics"
	"github.com/outpostnet/bondtun/internal/netutil"
	"github.com/outpostnet/bondtun/internal/queue"
	"github.com/outpostnet/bondtun/internal/snat"
	"github.com/outpostnet/bondtun/internal/stats"
	"github.com/outpostnet/bondtun/internal/trailer"
)

// PortStrategy selects how the Sender assigns a UDP source port in forward
// (non-SNAT) mode.
type PortStrategy int

const (
	// PortOriginal preserves the captured source port.
	PortOriginal PortStrategy = iota
	// PortFixed overwrites the source port with a configured constant.
	PortFixed
	// PortRandom picks a new uniform value in [10000,65535] per packet.
	PortRandom
	// PortRotating picks a new random value every RotatingInterval.
	PortRotating
)

// Config configures a Sender.
type Config struct {
	Fragments   uint8
	Fwmark      uint32
	Interfaces  []string
	Destination *net.UDPAddr // optional override for the egress destination

	PortStrategy     PortStrategy
	FixedPort        uint16
	RotatingInterval time.Duration

	IdleTimeout time.Duration
}

type egressSocket struct {
	sock *netutil.RawSocket
	ip   net.IP
}

// Sender consumes queue.Packet values and emits tagged fragments across
// every configured egress interface.
type Sender struct {
	cfg     Config
	q       *queue.Queue
	sockets []egressSocket
	table   *snat.Table // nil unless running in proxy/server mode
	stats   *stats.Stats

	seq uint32 // atomic, pre-mask 32-bit counter

	rotatingPort     uint32 // atomic
	rotatingDeadline atomic.Int64
}

// New opens one raw socket per configured interface.
func New(cfg Config, q *queue.Queue, st *stats.Stats, table *snat.Table) (*Sender, error) {
	if len(cfg.Interfaces) == 0 {
		return nil, fmt.Errorf("sender: no interfaces configured: %w", berr.ErrConfiguration)
	}

	sockets := make([]egressSocket, 0, len(cfg.Interfaces))
	for _, name := range cfg.Interfaces {
		sock, err := netutil.OpenRawSocket(name, 0)
		if err != nil {
			for _, s := range sockets {
				s.sock.Close()
			}
			return nil, fmt.Errorf("sender: open socket on %s: %w", name, berr.ErrPrivilege)
		}

		ip, err := netutil.InterfaceIPv4(name)
		if err != nil {
			sock.Close()
			for _, s := range sockets {
				s.sock.Close()
			}
			return nil, fmt.Errorf("sender: resolve address of %s: %w", name, err)
		}

		sockets = append(sockets, egressSocket{sock: sock, ip: ip})
	}

	s := &Sender{cfg: cfg, q: q, sockets: sockets, table: table, stats: st}
	s.stats.SendReady.Store(true)
	return s, nil
}

// Run drains the queue until running flips false or ctx is cancelled. On
// every would-block interval it sweeps the shared SNAT table instead of
// spinning.
func (s *Sender) Run(ctx context.Context, running *atomic.Bool) error {
	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}

	for running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-s.q.Packets():
			if !ok {
				return nil
			}
			s.process(pkt)
		case <-time.After(idle):
			if s.table != nil {
				s.table.Sweep()
				metrics.SNATSourcesActive.Set(float64(s.table.Len()))
			}
		}
	}
	return nil
}

func (s *Sender) process(pkt queue.Packet) {
	defer func() {
		if err := s.q.Drop(pkt.ID); err != nil {
			slog.Error("sender: drop verdict failed", "error", err)
		}
	}()

	dg, err := ipv4udp.Parse(pkt.Payload)
	if err != nil {
		slog.Debug("sender: parse failed", "error", err)
		return
	}

	fragments := int(s.cfg.Fragments)
	if fragments > len(s.sockets) {
		fragments = len(s.sockets)
	}
	if fragments < 1 {
		fragments = 1
	}

	seq := (atomic.AddUint32(&s.seq, 1) - 1) & trailer.SequenceMask

	chunks := splitPayload(dg.Payload, fragments)

	mark := int(s.cfg.Fwmark)
	for i, sock := range s.sockets {
		if i >= fragments {
			break
		}
		if err := sock.sock.SetMark(mark); err != nil {
			slog.Warn("sender: set mark failed", "interface", sock.sock.Iface, "error", err)
		}
	}

	for i := 0; i < fragments; i++ {
		s.sendFragment(dg, chunks[i], seq, i, fragments)
	}

	for i, sock := range s.sockets {
		if i >= fragments {
			break
		}
		if err := sock.sock.SetMark(0); err != nil {
			slog.Warn("sender: clear mark failed", "interface", sock.sock.Iface, "error", err)
		}
	}

	s.stats.SendTotal.Add(1)
	s.stats.SendCurrent.Store(uint64(seq))
}

func (s *Sender) sendFragment(dg *ipv4udp.Datagram, chunk []byte, seq uint32, index, fragments int) {
	sock := s.sockets[index]

	tb, err := trailer.Encode(trailer.Trailer{Fragments: uint8(fragments), Sequence: seq, Fragment: uint8(index)})
	if err != nil {
		slog.Error("sender: encode trailer failed", "error", err)
		return
	}

	payload := make([]byte, 0, len(chunk)+trailer.Size)
	payload = append(payload, chunk...)
	payload = append(payload, tb[:]...)

	frag := &ipv4udp.Datagram{IP: dg.IP, UDP: dg.UDP, Payload: payload}
	frag.IP.SrcIP = sock.ip
	if s.table == nil {
		frag.UDP.SrcPort = s.choosePort(dg)
	}

	dst := dg.IP.DstIP
	dstPort := dg.UDP.DstPort
	if ip, port, ok := s.snatDestination(dg); ok {
		dst, dstPort = ip, port
	} else if s.cfg.Destination != nil {
		dst = s.cfg.Destination.IP
		dstPort = layers.UDPPort(s.cfg.Destination.Port)
	}
	frag.IP.DstIP = dst
	frag.UDP.DstPort = dstPort

	out, err := frag.Serialize()
	if err != nil {
		slog.Error("sender: serialize fragment failed", "error", err)
		return
	}

	if err := sock.sock.SendTo(out, dst); err != nil {
		metrics.SendErrorsTotal.WithLabelValues(sock.sock.Iface).Inc()
		slog.Warn("sender: send failed", "interface", sock.sock.Iface, "error", fmt.Errorf("%w", berr.ErrSend))
		return
	}

	metrics.SendPacketsTotal.WithLabelValues(sock.sock.Iface).Inc()
	metrics.SendBytesTotal.WithLabelValues(sock.sock.Iface).Add(float64(len(out)))
	s.stats.SendBytes.Add(uint64(len(out)))
}

// snatDestination resolves a reply packet's true destination in proxy
// mode: the service's reply carries its own port as dg.SourcePort() (the
// same port the Receiver keyed the table by when it observed the original
// client->service leg, via table.GetOrCreate(dg.DestinationPort()) in
// receiver.go), so the Sender must look the table up by source port, not
// destination port, and apply the resolved endpoint to where the fragment
// is sent, not where it claims to be from.
func (s *Sender) snatDestination(dg *ipv4udp.Datagram) (net.IP, layers.UDPPort, bool) {
	if s.table == nil {
		return nil, 0, false
	}
	src, ok := s.table.Lookup(dg.SourcePort())
	if !ok {
		return nil, 0, false
	}
	addr, ok := src.Latest()
	if !ok {
		return nil, 0, false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, false
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, 0, false
	}
	return ip, layers.UDPPort(p), true
}

func (s *Sender) choosePort(dg *ipv4udp.Datagram) layers.UDPPort {
	switch s.cfg.PortStrategy {
	case PortFixed:
		return layers.UDPPort(s.cfg.FixedPort)
	case PortRandom:
		return layers.UDPPort(randomPort())
	case PortRotating:
		return layers.UDPPort(s.rotatingPortValue())
	default:
		return layers.UDPPort(dg.SourcePort())
	}
}

func (s *Sender) rotatingPortValue() uint16 {
	now := time.Now().UnixNano()
	if now >= s.rotatingDeadline.Load() {
		next := uint32(randomPort())
		atomic.StoreUint32(&s.rotatingPort, next)
		interval := s.cfg.RotatingInterval
		if interval <= 0 {
			interval = time.Second
		}
		s.rotatingDeadline.Store(now + interval.Nanoseconds())
	}
	return uint16(atomic.LoadUint32(&s.rotatingPort))
}

func randomPort() uint16 {
	return uint16(10000 + rand.Intn(65536-10000))
}

// splitPayload divides payload into n contiguous chunks; the last chunk
// absorbs the remainder. If n==1 the whole payload is returned unsplit.
func splitPayload(payload []byte, n int) [][]byte {
	if n <= 1 {
		return [][]byte{payload}
	}

	chunkLen := len(payload) / n
	chunks := make([][]byte, n)
	for i := 0; i < n-1; i++ {
		chunks[i] = payload[i*chunkLen : (i+1)*chunkLen]
	}
	chunks[n-1] = payload[(n-1)*chunkLen:]
	return chunks
}

// Close releases every egress socket.
func (s *Sender) Close() error {
	var firstErr error
	for _, sock := range s.sockets {
		if err := sock.sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
