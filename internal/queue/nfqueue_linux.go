//go:build linux

// Package queue wraps florianl/go-nfqueue so the Sender and Receiver can
// read diverted packets and issue verdicts without depending on the
// callback-based API directly: Open starts the netlink read loop and feeds
// packets into an ordinary channel the caller ranges over.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/florianl/go-nfqueue/v2"
)

// Packet is one diverted packet awaiting a verdict.
type Packet struct {
	ID      uint32
	Payload []byte
}

// Queue is a single NFQUEUE number bound to this process.
type Queue struct {
	nf      *nfqueue.Nfqueue
	packets chan Packet
	cancel  context.CancelFunc
}

// Open binds to queueNum and starts delivering packets on the returned
// Queue's channel. The background context controls the netlink read loop's
// lifetime; callers should Close the Queue to stop it deterministically
// rather than relying on context cancellation alone.
func Open(queueNum uint16) (*Queue, error) {
	cfg := nfqueue.Config{
		NfQueue:      queueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("queue: open nfqueue %d: %w", queueNum, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{nf: nf, packets: make(chan Packet, 256), cancel: cancel}

	onPacket := func(a nfqueue.Attribute) int {
		if a.PacketID == nil || a.Payload == nil {
			return 0
		}
		payload := make([]byte, len(*a.Payload))
		copy(payload, *a.Payload)

		select {
		case q.packets <- Packet{ID: *a.PacketID, Payload: payload}:
		default:
			// Queue saturated: drop and accept, matching the kernel's own
			// fail-open behavior when MaxQueueLen is exceeded.
			_ = nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		}
		return 0
	}

	onError := func(e error) int {
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, onPacket, onError); err != nil {
		cancel()
		nf.Close()
		return nil, fmt.Errorf("queue: register callback on %d: %w", queueNum, err)
	}

	return q, nil
}

// Packets returns the channel of packets awaiting a verdict.
func (q *Queue) Packets() <-chan Packet {
	return q.packets
}

// Accept issues an NF_ACCEPT verdict, letting the kernel deliver the
// packet (possibly rewritten in place by iptables/conntrack) normally.
func (q *Queue) Accept(id uint32) error {
	if err := q.nf.SetVerdict(id, nfqueue.NfAccept); err != nil {
		return fmt.Errorf("queue: accept %d: %w", id, err)
	}
	return nil
}

// AcceptWithPacket issues an NF_ACCEPT verdict carrying packet as the
// replacement wire bytes, for callers (the Receiver's forward path) that
// reassembled or otherwise rewrote the payload the kernel originally
// queued and must not let the untouched, trailer-bearing original through.
func (q *Queue) AcceptWithPacket(id uint32, packet []byte) error {
	if err := q.nf.SetVerdictModPacket(id, nfqueue.NfAccept, packet); err != nil {
		return fmt.Errorf("queue: accept-with-packet %d: %w", id, err)
	}
	return nil
}

// Drop issues an NF_DROP verdict.
func (q *Queue) Drop(id uint32) error {
	if err := q.nf.SetVerdict(id, nfqueue.NfDrop); err != nil {
		return fmt.Errorf("queue: drop %d: %w", id, err)
	}
	return nil
}

// Close stops the netlink read loop and releases the socket.
func (q *Queue) Close() error {
	q.cancel()
	return q.nf.Close()
}
