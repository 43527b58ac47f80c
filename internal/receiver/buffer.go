// Package receiver implements the tunnel's ingress half: reassemble
// fragments back into order by trailer sequence, then forward or proxy the
// reassembled packet.
package receiver

import (
	"sort"
	"time"

	"github.com/google/gopacket/layers"
)

// HeaderPair is the IP/UDP header template captured for a newly observed
// sequence number.
type HeaderPair struct {
	IP  layers.IPv4
	UDP layers.UDP
}

// Slot holds one fragment's index/payload within a logical packet.
type Slot struct {
	Present bool
	Payload []byte
}

// ReassembledPacket is the Receiver-local reorder/reassembly unit keyed by
// trailer sequence.
type ReassembledPacket struct {
	Sequence    uint32
	Fragments   []Slot
	FilledCount int
	Completed   bool

	// HeldQueueID is the nfqueue message ID of whichever fragment completed
	// this packet — the one fragment actually carried forward (ACCEPT with
	// the reassembled payload, or proxy-sent then DROPped). Every other
	// fragment's queue message is verdicted DROP immediately on arrival,
	// since only one physical packet may proceed per logical packet.
	HeldQueueID uint32

	// IP and UDP are the header fields captured from the first fragment
	// seen for this sequence, per spec's "first fragment pre-allocates a
	// buffer holding IP header + UDP header". Zero value if Insert was
	// never given a header (e.g. in pure-logic tests).
	IP  layers.IPv4
	UDP layers.UDP

	FirstSeenAt time.Time
}

func newReassembledPacket(sequence uint32, fragments uint8) *ReassembledPacket {
	return &ReassembledPacket{
		Sequence:    sequence,
		Fragments:   make([]Slot, fragments),
		FirstSeenAt: time.Now(),
	}
}

// insert fills fragment index idx of this packet if it hasn't already been
// filled. Returns true if this call was the one that completed the packet,
// and false if idx was a duplicate (already filled) or any other case.
func (p *ReassembledPacket) insert(idx int, payload []byte) (completedNow bool, duplicate bool) {
	if idx < 0 || idx >= len(p.Fragments) {
		return false, false
	}
	if p.Fragments[idx].Present {
		return false, true
	}

	p.Fragments[idx] = Slot{Present: true, Payload: payload}
	p.FilledCount++

	if p.FilledCount == len(p.Fragments) {
		p.Completed = true
		return true, false
	}
	return false, false
}

// Payload concatenates fragment payloads in index order. Only valid once
// Completed.
func (p *ReassembledPacket) Payload() []byte {
	total := 0
	for _, s := range p.Fragments {
		total += len(s.Payload)
	}
	out := make([]byte, 0, total)
	for _, s := range p.Fragments {
		out = append(out, s.Payload...)
	}
	return out
}

// Buffer is the ordered `sequence -> ReassembledPacket` map plus the
// `current` pointer, implementing spec's ordering algorithm (steps 3-7).
// It is not safe for concurrent use; the Receiver drives it from a single
// goroutine.
type Buffer struct {
	packets       map[uint32]*ReassembledPacket
	current       uint32
	bootstrapped  bool
	lastProgress  time.Time
	timeout       time.Duration
	sequenceSpace uint32 // 2^26, the trailer's sequence modulus
}

// NewBuffer returns an empty Buffer. sequenceSpace is the modulus the
// sequence counter wraps at (1<<26 for the bit-packed trailer).
func NewBuffer(timeout time.Duration, sequenceSpace uint32) *Buffer {
	return &Buffer{
		packets:       make(map[uint32]*ReassembledPacket),
		timeout:       timeout,
		sequenceSpace: sequenceSpace,
		lastProgress:  time.Now(),
	}
}

// Current returns the next sequence number expected.
func (b *Buffer) Current() uint32 { return b.current }

// Outcome describes what happened to one incoming fragment.
type Outcome int

const (
	// OutcomeDroppedStale means sequence was behind current; drop, count.
	OutcomeDroppedStale Outcome = iota
	// OutcomeDroppedDuplicate means this (sequence,fragment) was already seen; drop.
	OutcomeDroppedDuplicate
	// OutcomeBuffered means the fragment was stored but didn't complete its packet.
	OutcomeBuffered
	// OutcomeCompleted means this fragment completed its packet; hold its
	// queue ID until Drain emits it.
	OutcomeCompleted
)

// wrapped reports whether sequence should be treated as a counter wrap
// relative to current: more than half the sequence space behind it.
func (b *Buffer) wrapped(sequence uint32) bool {
	if sequence >= b.current {
		return false
	}
	return b.current-sequence > b.sequenceSpace/2
}

// Insert applies steps 3-5 of the ordering algorithm to one incoming
// fragment and returns what happened to it. An optional (ip, udp) header
// pair is stashed on the packet the first time a sequence is seen, for the
// forward path to reuse when it later drains.
func (b *Buffer) Insert(sequence uint32, fragments uint8, fragment int, payload []byte, queueID uint32, header ...HeaderPair) Outcome {
	if !b.bootstrapped {
		b.current = sequence
		b.bootstrapped = true
	} else if sequence < b.current && !b.wrapped(sequence) {
		return OutcomeDroppedStale
	} else if b.wrapped(sequence) {
		b.current = sequence
	}

	pkt, ok := b.packets[sequence]
	if !ok {
		pkt = newReassembledPacket(sequence, fragments)
		if len(header) > 0 {
			pkt.IP = header[0].IP
			pkt.UDP = header[0].UDP
		}
		b.packets[sequence] = pkt
	}

	completedNow, duplicate := pkt.insert(fragment, payload)
	if duplicate {
		return OutcomeDroppedDuplicate
	}
	if completedNow {
		pkt.HeldQueueID = queueID
		return OutcomeCompleted
	}
	return OutcomeBuffered
}

// AdvanceOnTimeout implements step 6: if no progress has been made for
// longer than timeout and the buffer holds anything, jump current to the
// smallest buffered key and report how many sequence numbers were skipped
// (to be counted as dropped by the caller).
func (b *Buffer) AdvanceOnTimeout(now time.Time) (skipped uint32, advanced bool) {
	if now.Sub(b.lastProgress) <= b.timeout || len(b.packets) == 0 {
		return 0, false
	}

	minKey, found := b.minKey()
	if !found {
		return 0, false
	}

	skipped = minKey - b.current
	b.current = minKey
	b.lastProgress = now
	return skipped, true
}

func (b *Buffer) minKey() (uint32, bool) {
	if len(b.packets) == 0 {
		return 0, false
	}
	keys := make([]uint32, 0, len(b.packets))
	for k := range b.packets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0], true
}

// Drain implements step 7: emit every contiguous completed packet starting
// at current, advancing current and resetting last_progress for each.
func (b *Buffer) Drain(now time.Time) []*ReassembledPacket {
	var emitted []*ReassembledPacket
	for {
		pkt, ok := b.packets[b.current]
		if !ok || !pkt.Completed {
			break
		}
		delete(b.packets, b.current)
		emitted = append(emitted, pkt)
		b.current++
		b.lastProgress = now
	}
	return emitted
}

// Len reports how many sequence numbers are currently buffered (completed
// or not), for the reassembly-pending gauge.
func (b *Buffer) Len() int { return len(b.packets) }
