// Package ipv4udp decodes and rebuilds the IPv4/UDP datagrams bondtun
// tags with a trailer, using gopacket's layer types for field access and
// reserialization rather than hand-rolled byte twiddling.
package ipv4udp

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MinLength is the smallest a diverted packet may be and still carry a
// trailer: IPv4(20) + UDP(8) + trailer(4).
const MinLength = 20 + 8 + 4

// Datagram is a decoded IPv4/UDP packet with its application payload
// (which, in flight, includes the 4-byte bondtun trailer) held separately
// so callers can grow or shrink it without re-parsing headers.
type Datagram struct {
	IP      layers.IPv4
	UDP     layers.UDP
	Payload []byte
}

// Parse decodes raw into an IPv4/UDP Datagram. It rejects anything shorter
// than MinLength and anything whose protocol isn't UDP (IPv6 is silently
// out of scope, per the wire contract in spec.md §6).
func Parse(raw []byte) (*Datagram, error) {
	if len(raw) < MinLength {
		return nil, fmt.Errorf("ipv4udp: packet too short: %d < %d", len(raw), MinLength)
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("ipv4udp: decode ipv4: %w", err)
	}
	if ip.Version != 4 {
		return nil, fmt.Errorf("ipv4udp: unsupported IP version %d", ip.Version)
	}
	if ip.Protocol != layers.IPProtocolUDP {
		return nil, fmt.Errorf("ipv4udp: protocol %d is not UDP", ip.Protocol)
	}

	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("ipv4udp: decode udp: %w", err)
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)

	return &Datagram{IP: ip, UDP: udp, Payload: payload}, nil
}

// Serialize rebuilds the wire bytes from the current header field values
// and Payload. IP/UDP lengths are always recomputed from the actual
// serialized size (FixLengths); checksums are always zeroed rather than
// computed, per spec.md §4.1/§4.2 ("the implementation must not rely on"
// kernel/NIC checksum offload and must zero both checksums itself).
func (d *Datagram) Serialize() ([]byte, error) {
	d.UDP.Checksum = 0
	d.IP.Checksum = 0

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: false}

	if err := d.UDP.SetNetworkLayerForChecksum(&d.IP); err != nil {
		return nil, fmt.Errorf("ipv4udp: set network layer: %w", err)
	}

	if err := gopacket.SerializeLayers(buf, opts, &d.IP, &d.UDP, gopacket.Payload(d.Payload)); err != nil {
		return nil, fmt.Errorf("ipv4udp: serialize: %w", err)
	}

	// FixLengths recomputes Length fields on the structs too, so subsequent
	// callers reading d.IP.Length/d.UDP.Length after Serialize see the
	// up-to-date value.
	out := buf.Bytes()
	serialized := make([]byte, len(out))
	copy(serialized, out)
	return serialized, nil
}

// DestinationPort returns the UDP destination port, used by the SNAT table
// to key sources by dst_port.
func (d *Datagram) DestinationPort() uint16 {
	return uint16(d.UDP.DstPort)
}

// SourcePort returns the UDP source port.
func (d *Datagram) SourcePort() uint16 {
	return uint16(d.UDP.SrcPort)
}
