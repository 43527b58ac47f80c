// Package snat implements the Receiver's source table: a mapping from UDP
// destination port to the set of remote endpoints that have recently sent
// a packet to it, so reply traffic can be NAT'd back to whichever endpoint
// spoke most recently.
package snat

import (
	"sync"
	"time"
)

// Source tracks the remote endpoints recently seen for one destination
// port. Latest and Addrs take the read lock; Touch takes the write lock on
// every call, including a refresh of an endpoint already present; Sweep
// takes the write lock to prune.
type Source struct {
	mu    sync.RWMutex
	addrs map[string]time.Time

	latest   string
	latestAt time.Time
}

func newSource() *Source {
	return &Source{addrs: make(map[string]time.Time)}
}

// Touch records addr as seen now, updating the latest endpoint if addr is
// the most recently seen (or first seen).
func (s *Source) Touch(addr string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[addr] = now
	if now.After(s.latestAt) || s.latestAt.IsZero() {
		s.latest = addr
		s.latestAt = now
	}
}

// Latest returns the most recently seen remote endpoint, if any.
func (s *Source) Latest() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latestAt.IsZero() {
		return "", false
	}
	return s.latest, true
}

// Addrs returns a snapshot of every endpoint currently tracked, regardless
// of age.
func (s *Source) Addrs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addrs))
	for addr := range s.addrs {
		out = append(out, addr)
	}
	return out
}

// sweep removes entries older than cutoff, and recomputes latest if it was
// one of the entries removed. Returns true if the Source is now empty.
func (s *Source) sweep(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, seen := range s.addrs {
		if seen.Before(cutoff) {
			delete(s.addrs, addr)
		}
	}

	if _, ok := s.addrs[s.latest]; !ok {
		s.latest = ""
		s.latestAt = time.Time{}
		for addr, seen := range s.addrs {
			if seen.After(s.latestAt) {
				s.latest = addr
				s.latestAt = seen
			}
		}
	}

	return len(s.addrs) == 0
}

// Table maps a UDP destination port to its Source. The outer map is a
// sync.Map because after warm-up its key set is read far more often than
// written (a new port only appears the first time traffic reaches it), so
// readers never block each other or a concurrent Sweep on a different key.
type Table struct {
	sources sync.Map // uint16 -> *Source
	ttl     time.Duration
}

// New returns an empty Table that expires entries untouched for ttl.
func New(ttl time.Duration) *Table {
	return &Table{ttl: ttl}
}

// GetOrCreate returns the Source for dstPort, creating it if this is the
// first packet seen for that port.
func (t *Table) GetOrCreate(dstPort uint16) *Source {
	if v, ok := t.sources.Load(dstPort); ok {
		return v.(*Source)
	}
	created := newSource()
	actual, _ := t.sources.LoadOrStore(dstPort, created)
	return actual.(*Source)
}

// Lookup returns the Source for dstPort without creating one.
func (t *Table) Lookup(dstPort uint16) (*Source, bool) {
	v, ok := t.sources.Load(dstPort)
	if !ok {
		return nil, false
	}
	return v.(*Source), true
}

// Sweep drops endpoints last seen before now-ttl, and removes any port
// entry left with no endpoints at all.
func (t *Table) Sweep() {
	cutoff := time.Now().Add(-t.ttl)
	t.sources.Range(func(key, value any) bool {
		src := value.(*Source)
		if src.sweep(cutoff) {
			t.sources.Delete(key)
		}
		return true
	})
}

// Len reports how many destination ports currently have a tracked Source,
// for the active-sources gauge.
func (t *Table) Len() int {
	n := 0
	t.sources.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
