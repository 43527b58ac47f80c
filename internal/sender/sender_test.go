package sender

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostnet/bondtun/internal/ipv4udp"
	"github.com/outpostnet/bondtun/internal/snat"
)

func TestSplitPayloadEvenDivision(t *testing.T) {
	payload := []byte("ABCDEFGH")
	chunks := splitPayload(payload, 4)
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.Len(t, c, 2)
	}
	assert.Equal(t, payload, concat(chunks))
}

func TestSplitPayloadRemainderGoesToLastChunk(t *testing.T) {
	payload := []byte("ABCDEFGHI") // 9 bytes over 4 fragments: 2,2,2,3
	chunks := splitPayload(payload, 4)
	require.Len(t, chunks, 4)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 2)
	assert.Len(t, chunks[3], 3)
	assert.Equal(t, payload, concat(chunks))
}

func TestSplitPayloadSingleFragmentReturnsWholePayload(t *testing.T) {
	payload := []byte("whole")
	chunks := splitPayload(payload, 1)
	require.Len(t, chunks, 1)
	assert.Equal(t, payload, chunks[0])
}

func TestRandomPortStaysInConfiguredRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		p := randomPort()
		assert.GreaterOrEqual(t, p, uint16(10000))
	}
}

func TestRotatingPortValueHoldsForInterval(t *testing.T) {
	s := &Sender{cfg: Config{RotatingInterval: 50 * time.Millisecond}}

	first := s.rotatingPortValue()
	again := s.rotatingPortValue()
	assert.Equal(t, first, again, "port must not change before the interval elapses")

	time.Sleep(60 * time.Millisecond)
	later := s.rotatingPortValue()
	_ = later // a new random draw may coincide with the old value; only staleness before the deadline is guaranteed
}

func TestSnatDestinationKeysByReplySourcePortNotDestinationPort(t *testing.T) {
	table := snat.New(time.Minute)
	// The Receiver records the client endpoint under the *service's* port
	// (the destination port of the original client->service leg).
	table.GetOrCreate(5000).Touch("10.0.0.5:40000")

	s := &Sender{table: table}

	reply := &ipv4udp.Datagram{UDP: layers.UDP{SrcPort: 5000, DstPort: 9999}}
	ip, port, ok := s.snatDestination(reply)
	require.True(t, ok)
	assert.Equal(t, net.ParseIP("10.0.0.5").To4(), ip.To4())
	assert.Equal(t, layers.UDPPort(40000), port)
}

func TestSnatDestinationMissesWhenNoTableEntryForSourcePort(t *testing.T) {
	table := snat.New(time.Minute)
	table.GetOrCreate(5000).Touch("10.0.0.5:40000")

	s := &Sender{table: table}

	reply := &ipv4udp.Datagram{UDP: layers.UDP{SrcPort: 9999, DstPort: 5000}}
	_, _, ok := s.snatDestination(reply)
	assert.False(t, ok, "lookup must use the reply's source port, not its destination port")
}

func TestSnatDestinationDisabledWithoutTable(t *testing.T) {
	s := &Sender{table: nil}
	reply := &ipv4udp.Datagram{UDP: layers.UDP{SrcPort: 5000}}
	_, _, ok := s.snatDestination(reply)
	assert.False(t, ok)
}

func concat(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
