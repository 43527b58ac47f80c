package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seqSpace = 1 << 26

func TestBootstrapAcceptsFirstSequenceAsBaseline(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)

	outcome := b.Insert(42, 1, 0, []byte("a"), 1)
	assert.Equal(t, OutcomeCompleted, outcome)

	emitted := b.Drain(time.Now())
	require.Len(t, emitted, 1)
	assert.Equal(t, uint32(42), emitted[0].Sequence)
	assert.Equal(t, uint32(43), b.Current())
}

func TestInOrderSingleFragmentEmitsImmediately(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)
	b.Insert(0, 1, 0, []byte("a"), 1)
	b.Drain(time.Now())

	outcome := b.Insert(1, 1, 0, []byte("b"), 2)
	assert.Equal(t, OutcomeCompleted, outcome)

	emitted := b.Drain(time.Now())
	require.Len(t, emitted, 1)
	assert.Equal(t, []byte("b"), emitted[0].Payload())
}

func TestOutOfOrderBuffersThenDrainsInOrder(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)
	b.Insert(0, 1, 0, []byte("zero"), 100)
	b.Drain(time.Now())

	outcome := b.Insert(2, 1, 0, []byte("two"), 102)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Empty(t, b.Drain(time.Now()), "sequence 2 can't drain before 1 arrives")

	outcome = b.Insert(1, 1, 0, []byte("one"), 101)
	assert.Equal(t, OutcomeCompleted, outcome)

	emitted := b.Drain(time.Now())
	require.Len(t, emitted, 2)
	assert.Equal(t, []byte("one"), emitted[0].Payload())
	assert.Equal(t, []byte("two"), emitted[1].Payload())
	assert.Equal(t, uint32(3), b.Current())
}

func TestMultiFragmentCompletesOnlyWhenAllSlotsFilled(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)

	outcome := b.Insert(0, 3, 0, []byte("aa"), 1)
	assert.Equal(t, OutcomeBuffered, outcome)

	outcome = b.Insert(0, 3, 2, []byte("cc"), 3)
	assert.Equal(t, OutcomeBuffered, outcome)

	outcome = b.Insert(0, 3, 1, []byte("bb"), 2)
	assert.Equal(t, OutcomeCompleted, outcome)

	emitted := b.Drain(time.Now())
	require.Len(t, emitted, 1)
	assert.Equal(t, []byte("aabbcc"), emitted[0].Payload())
	assert.Equal(t, uint32(2), emitted[0].HeldQueueID, "held ID is whichever fragment completed the packet")
}

func TestDuplicateFragmentIsDroppedNotReinserted(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)
	b.Insert(0, 2, 0, []byte("aa"), 1)

	outcome := b.Insert(0, 2, 0, []byte("replay"), 99)
	assert.Equal(t, OutcomeDroppedDuplicate, outcome)
}

func TestStaleSequenceIsDropped(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)
	b.Insert(10, 1, 0, []byte("x"), 1)
	b.Drain(time.Now())

	outcome := b.Insert(5, 1, 0, []byte("old"), 2)
	assert.Equal(t, OutcomeDroppedStale, outcome)
}

func TestTimeoutAdvancesCurrentAndReportsSkip(t *testing.T) {
	b := NewBuffer(10*time.Millisecond, seqSpace)
	b.Insert(0, 1, 0, []byte("a"), 1)
	b.Drain(time.Now())

	// sequence 1 never arrives; sequence 5 does, buffered.
	b.Insert(5, 1, 0, []byte("e"), 6)

	skipped, advanced := b.AdvanceOnTimeout(time.Now().Add(20 * time.Millisecond))
	require.True(t, advanced)
	assert.Equal(t, uint32(4), skipped)
	assert.Equal(t, uint32(5), b.Current())

	emitted := b.Drain(time.Now())
	require.Len(t, emitted, 1)
	assert.Equal(t, uint32(5), emitted[0].Sequence)
}

func TestSequenceWrapResetsCurrentDirectly(t *testing.T) {
	b := NewBuffer(time.Second, seqSpace)
	b.Insert(seqSpace-1, 1, 0, []byte("last"), 1)
	b.Drain(time.Now())
	assert.Equal(t, uint32(seqSpace), b.Current())

	// The real wrapped value is small (e.g. 2), far more than half the
	// sequence space behind `current` — treated as a wrap, not staleness.
	outcome := b.Insert(2, 1, 0, []byte("wrapped"), 2)
	assert.Equal(t, OutcomeCompleted, outcome)
}
