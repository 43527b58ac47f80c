package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
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

// Config configures a Receiver.
type Config struct {
	Timeout     time.Duration
	SNATIP      net.IP // nil disables proxy mode; set together with SNATPort
	SNATPort    uint16
	SNATDevice  string // interface the SNAT raw socket binds to
	IdleTimeout time.Duration
}

// Receiver consumes queue.Packet values, reorders and reassembles them by
// trailer sequence, then forwards (in place) or proxies (via SNAT) each
// completed logical packet.
type Receiver struct {
	cfg   Config
	q     *queue.Queue
	buf   *Buffer
	table *snat.Table // nil unless SNAT proxy mode is enabled
	stats *stats.Stats

	snatSocket *netutil.RawSocket // nil unless SNAT proxy mode is enabled
}

// New constructs a Receiver. When cfg.SNATIP is set, table must be non-nil
// and a dedicated raw socket is opened on cfg.SNATDevice for proxied sends.
func New(cfg Config, q *queue.Queue, st *stats.Stats, table *snat.Table) (*Receiver, error) {
	r := &Receiver{
		cfg:   cfg,
		q:     q,
		buf:   NewBuffer(cfg.Timeout, 1<<trailer.SequenceBits),
		table: table,
		stats: st,
	}

	if cfg.SNATIP != nil {
		if cfg.SNATDevice == "" {
			return nil, fmt.Errorf("receiver: snat configured without a device: %w", berr.ErrConfiguration)
		}
		sock, err := netutil.OpenRawSocket(cfg.SNATDevice, 0)
		if err != nil {
			return nil, fmt.Errorf("receiver: open snat socket: %w", berr.ErrPrivilege)
		}
		r.snatSocket = sock
	}

	r.stats.RecvReady.Store(true)
	return r, nil
}

// Run drains the queue until running flips false or ctx is cancelled,
// applying the timeout-advance rule after every packet and on every
// would-block interval.
func (r *Receiver) Run(ctx context.Context, running *atomic.Bool) error {
	idle := r.cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}

	for running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-r.q.Packets():
			if !ok {
				return nil
			}
			r.process(pkt)
			r.checkTimeout()
		case <-time.After(idle):
			r.checkTimeout()
		}
		metrics.ReassemblyPending.Set(float64(r.buf.Len()))
	}
	return nil
}

func (r *Receiver) process(pkt queue.Packet) {
	r.stats.RecvTotal.Add(1)
	metrics.RecvPacketsTotal.Inc()

	// Step 1: minimum length.
	if len(pkt.Payload) < ipv4udp.MinLength {
		r.drop(pkt.ID, "too_short")
		return
	}

	dg, err := ipv4udp.Parse(pkt.Payload)
	if err != nil {
		// Step 2: non-IPv4/non-UDP.
		r.drop(pkt.ID, "parse_error")
		return
	}

	if len(dg.Payload) < trailer.Size {
		r.drop(pkt.ID, "too_short")
		return
	}

	trailerOffset := len(dg.Payload) - trailer.Size
	tr, err := trailer.Decode(dg.Payload[trailerOffset:])
	if err != nil || tr.Fragment >= tr.Fragments {
		r.drop(pkt.ID, "bad_trailer")
		return
	}
	chunk := make([]byte, trailerOffset)
	copy(chunk, dg.Payload[:trailerOffset])

	if r.table != nil {
		src := r.table.GetOrCreate(dg.DestinationPort())
		src.Touch(net.JoinHostPort(dg.IP.SrcIP.String(), fmt.Sprintf("%d", dg.UDP.SrcPort)))
	}

	ahead := r.buf.bootstrapped && tr.Sequence > r.buf.Current()
	outcome := r.buf.Insert(tr.Sequence, tr.Fragments, int(tr.Fragment), chunk, pkt.ID,
		HeaderPair{IP: dg.IP, UDP: dg.UDP})
	if ahead && (outcome == OutcomeBuffered || outcome == OutcomeCompleted) {
		r.stats.RecvOutOfOrder.Add(1)
		metrics.RecvOutOfOrderTotal.Inc()
	}
	switch outcome {
	case OutcomeDroppedStale:
		r.drop(pkt.ID, "stale")
	case OutcomeDroppedDuplicate:
		r.drop(pkt.ID, "duplicate")
	case OutcomeBuffered:
		// Not yet complete: this fragment's queue message is consumed
		// (its bytes are copied into the buffer) but never independently
		// forwarded, so it is dropped now rather than held indefinitely.
		r.drop(pkt.ID, "")
	case OutcomeCompleted:
		// Verdict deferred to Drain: holding this ID is what lets a
		// completed-but-not-yet-at-`current` packet wait its turn.
	}

	r.emitReady()
}

func (r *Receiver) checkTimeout() {
	skipped, advanced := r.buf.AdvanceOnTimeout(time.Now())
	if !advanced {
		return
	}
	r.stats.RecvDropped.Add(uint64(skipped))
	metrics.RecvDroppedTotal.WithLabelValues("timeout_skip").Add(float64(skipped))

	// A forced advance can make previously-buffered packets drainable.
	r.emitReady()
}

// emitReady drains every contiguous completed packet and forwards/proxies
// each using the header captured when its sequence was first observed.
func (r *Receiver) emitReady() {
	for _, pkt := range r.buf.Drain(time.Now()) {
		r.emit(pkt)
	}
}

func (r *Receiver) emit(pkt *ReassembledPacket) {
	if r.table != nil && r.snatSocket != nil {
		r.emitProxy(pkt)
		return
	}
	r.emitForward(pkt)
}

func (r *Receiver) emitForward(pkt *ReassembledPacket) {
	dg := &ipv4udp.Datagram{IP: pkt.IP, UDP: pkt.UDP, Payload: pkt.Payload()}
	out, err := dg.Serialize()
	if err != nil {
		slog.Error("receiver: serialize forwarded packet failed", "error", err)
		if err := r.q.Drop(pkt.HeldQueueID); err != nil {
			slog.Error("receiver: drop verdict failed", "error", err)
		}
		return
	}

	if err := r.q.AcceptWithPacket(pkt.HeldQueueID, out); err != nil {
		slog.Error("receiver: accept verdict failed", "error", err)
	}
	r.finishEmit(pkt, out)
}

func (r *Receiver) emitProxy(pkt *ReassembledPacket) {
	dg := &ipv4udp.Datagram{IP: pkt.IP, UDP: pkt.UDP, Payload: pkt.Payload()}
	dg.IP.SrcIP = r.cfg.SNATIP
	dg.UDP.SrcPort = layers.UDPPort(r.cfg.SNATPort)

	out, err := dg.Serialize()
	if err != nil {
		slog.Error("receiver: serialize proxied packet failed", "error", err)
		if err := r.q.Drop(pkt.HeldQueueID); err != nil {
			slog.Error("receiver: drop verdict failed", "error", err)
		}
		return
	}

	if err := r.snatSocket.SendTo(out, pkt.IP.DstIP); err != nil {
		slog.Warn("receiver: proxy send failed", "error", fmt.Errorf("%w", berr.ErrSend))
	}

	// The ordered position is consumed either way; send failures are
	// logged, not retried.
	if err := r.q.Drop(pkt.HeldQueueID); err != nil {
		slog.Error("receiver: drop verdict failed", "error", err)
	}
	r.finishEmit(pkt, out)
}

func (r *Receiver) finishEmit(pkt *ReassembledPacket, out []byte) {
	r.stats.RecvCurrent.Store(uint64(pkt.Sequence))
	r.stats.RecvBytes.Add(uint64(len(out)))
}

func (r *Receiver) drop(queueID uint32, reason string) {
	if reason != "" {
		r.stats.RecvDropped.Add(1)
		metrics.RecvDroppedTotal.WithLabelValues(reason).Inc()
	}
	if err := r.q.Drop(queueID); err != nil {
		slog.Error("receiver: drop verdict failed", "error", err)
	}
}

// Close releases the SNAT socket, if one was opened.
func (r *Receiver) Close() error {
	if r.snatSocket != nil {
		return r.snatSocket.Close()
	}
	return nil
}
