package snat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameSourceForSamePort(t *testing.T) {
	tbl := New(time.Minute)

	a := tbl.GetOrCreate(5000)
	b := tbl.GetOrCreate(5000)
	assert.Same(t, a, b)

	_, ok := tbl.Lookup(5001)
	assert.False(t, ok)
}

func TestTouchTracksLatest(t *testing.T) {
	src := newSource()
	src.Touch("10.0.0.1:4000")
	time.Sleep(time.Millisecond)
	src.Touch("10.0.0.2:4000")

	latest, ok := src.Latest()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:4000", latest)
	assert.ElementsMatch(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, src.Addrs())
}

func TestSweepRemovesExpiredEntriesAndEmptyPorts(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	src := tbl.GetOrCreate(5000)
	src.Touch("10.0.0.1:4000")

	time.Sleep(20 * time.Millisecond)
	tbl.Sweep()

	_, ok := tbl.Lookup(5000)
	assert.False(t, ok, "port entry with no surviving endpoints should be pruned")
}

func TestSweepRecomputesLatestAfterExpiry(t *testing.T) {
	tbl := New(15 * time.Millisecond)
	src := tbl.GetOrCreate(5000)
	src.Touch("10.0.0.1:4000")
	time.Sleep(20 * time.Millisecond)
	src.Touch("10.0.0.2:4000")

	tbl.Sweep()

	latest, ok := src.Latest()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:4000", latest)
	assert.Equal(t, []string{"10.0.0.2:4000"}, src.Addrs())
}
