package trailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Trailer{
		{Fragments: 1, Sequence: 0, Fragment: 0},
		{Fragments: 1, Sequence: SequenceMask, Fragment: 0},
		{Fragments: 7, Sequence: 12345, Fragment: 6},
		{Fragments: 3, Sequence: 1 << 25, Fragment: 2},
		{Fragments: 2, Sequence: 0, Fragment: 1},
	}

	for _, tc := range cases {
		encoded, err := Encode(tc)
		require.NoError(t, err)
		require.Len(t, encoded, Size)

		decoded, err := Decode(encoded[:])
		require.NoError(t, err)
		assert.Equal(t, tc, decoded)
	}
}

func TestEncodeRejectsOutOfRangeFields(t *testing.T) {
	_, err := Encode(Trailer{Fragments: 0, Sequence: 0, Fragment: 0})
	assert.Error(t, err)

	_, err = Encode(Trailer{Fragments: 8, Sequence: 0, Fragment: 0})
	assert.Error(t, err)

	_, err = Encode(Trailer{Fragments: 3, Sequence: 0, Fragment: 3})
	assert.Error(t, err)

	_, err = Encode(Trailer{Fragments: 3, Sequence: SequenceMask + 1, Fragment: 0})
	assert.Error(t, err)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	assert.Error(t, err)
}

// Exhaustive over F to guard the documented bit layout.
func TestBitLayoutExhaustiveOverFragments(t *testing.T) {
	for f := uint8(1); f <= MaxFragments; f++ {
		for i := uint8(0); i < f; i++ {
			tr := Trailer{Fragments: f, Sequence: uint32(f)*1000 + uint32(i), Fragment: i}
			encoded, err := Encode(tr)
			require.NoError(t, err)
			decoded, err := Decode(encoded[:])
			require.NoError(t, err)
			assert.Equal(t, tr, decoded)
		}
	}
}
