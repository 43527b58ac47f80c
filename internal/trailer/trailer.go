// Package trailer encodes and decodes the 4-byte fragmentation/sequence
// trailer appended to every tunneled UDP payload.
//
// Wire layout, network byte order, MSB first of the 32-bit word:
//
//	fragments:3 | sequence:26 | fragment:3
package trailer

import (
	"encoding/binary"
	"fmt"
)

// Size is the trailer length in bytes.
const Size = 4

// MaxFragments is the largest representable fragment count (3-bit field, 1..7).
const MaxFragments = 7

// SequenceBits is the width of the sequence field; the counter wraps modulo 2^SequenceBits.
const SequenceBits = 26

// SequenceMask masks a raw counter down to the 26-bit trailer field.
const SequenceMask = (1 << SequenceBits) - 1

// Trailer is the decoded form of the 4-byte wire trailer.
type Trailer struct {
	Fragments uint8  // 1..7, total fragment count for the logical packet
	Sequence  uint32 // 0..2^26-1, the logical packet's sequence number
	Fragment  uint8  // 0..Fragments-1, this fragment's index
}

// Encode packs t into a 4-byte big-endian word:
// bits [31:29]=fragments, [28:3]=sequence, [2:0]=fragment.
func Encode(t Trailer) ([Size]byte, error) {
	if t.Fragments < 1 || t.Fragments > MaxFragments {
		return [Size]byte{}, fmt.Errorf("trailer: fragments %d out of range [1,%d]", t.Fragments, MaxFragments)
	}
	if t.Fragment >= t.Fragments {
		return [Size]byte{}, fmt.Errorf("trailer: fragment index %d out of range [0,%d)", t.Fragment, t.Fragments)
	}
	if t.Sequence > SequenceMask {
		return [Size]byte{}, fmt.Errorf("trailer: sequence %d exceeds %d bits", t.Sequence, SequenceBits)
	}

	word := uint32(t.Fragments&0x7)<<29 | (t.Sequence&SequenceMask)<<3 | uint32(t.Fragment&0x7)

	var out [Size]byte
	binary.BigEndian.PutUint32(out[:], word)
	return out, nil
}

// Decode unpacks a 4-byte trailer. It fails only when buf is shorter than
// Size: any 32-bit pattern decodes to some Fragments/Sequence/Fragment triple, because every field
// occupies a fixed bit range regardless of content. Callers that need to
// reject corrupt trailers should validate Fragment < Fragments themselves.
func Decode(buf []byte) (Trailer, error) {
	if len(buf) < Size {
		return Trailer{}, fmt.Errorf("trailer: buffer too short: %d < %d", len(buf), Size)
	}

	word := binary.BigEndian.Uint32(buf[:Size])

	return Trailer{
		Fragments: uint8(word >> 29 & 0x7),
		Sequence:  (word >> 3) & SequenceMask,
		Fragment:  uint8(word & 0x7),
	}, nil
}
