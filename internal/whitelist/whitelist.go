// Package whitelist implements the HMAC-SHA256 admission beacon: the
// client proves liveness once a second per interface, the server admits
// the source IP on first valid tag and installs an ACCEPT rule for it.
package whitelist

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpostnet/bondtun/internal/iptables"
	"github.com/outpostnet/bondtun/internal/metrics"
	"github.com/outpostnet/bondtun/internal/netutil"
	"github.com/outpostnet/bondtun/internal/stats"
)

// TagSize is the HMAC-SHA256 digest length and the exact beacon datagram size.
const TagSize = sha256.Size

// WindowSeconds is how many trailing seconds the server checks a tag against.
const WindowSeconds = 60

func tag(secret []byte, unixSeconds int64) [TagSize]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(unixSeconds, 10)))
	var out [TagSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Client sends one HMAC beacon per second on every configured interface.
type Client struct {
	secret []byte
	conns  []*net.UDPConn
}

// NewClient dials a UDP socket to remoteAddr on each interface, bound via
// SO_BINDTODEVICE so the beacon actually exits the interface it claims to.
func NewClient(secret string, interfaces []string, remoteAddr string) (*Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("whitelist: secret is required")
	}

	conns := make([]*net.UDPConn, 0, len(interfaces))
	for _, iface := range interfaces {
		conn, err := netutil.DialUDPBoundToDevice(iface, remoteAddr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("whitelist: dial beacon socket on %s: %w", iface, err)
		}
		conns = append(conns, conn)
	}

	return &Client{secret: []byte(secret), conns: conns}, nil
}

// Run sends a beacon every second on every interface until running flips
// false or ctx is cancelled.
func (c *Client) Run(ctx context.Context, running *atomic.Bool) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t := tag(c.secret, time.Now().Unix())
			for _, conn := range c.conns {
				if _, err := conn.Write(t[:]); err != nil {
					slog.Warn("whitelist beacon send failed", "error", err)
				}
			}
		}
	}
	return nil
}

// Close releases every beacon socket.
func (c *Client) Close() error {
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Server listens for beacons and admits new source IPs whose tag verifies
// against one of the last WindowSeconds timestamps, with a
// strictly-increasing global watermark that collapses replays across
// sources.
type Server struct {
	secret []byte
	conn   *net.UDPConn
	stats  *stats.Stats

	mu          sync.Mutex
	seen        map[string]struct{}
	lastAccepted int64
	guards      map[string]*iptables.Guard
}

// NewServer binds a UDP listener on addr for incoming beacons.
func NewServer(secret, addr string, st *stats.Stats) (*Server, error) {
	if secret == "" {
		return nil, fmt.Errorf("whitelist: secret is required")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("whitelist: resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("whitelist: listen on %s: %w", addr, err)
	}

	return &Server{
		secret: []byte(secret),
		conn:   conn,
		stats:  st,
		seen:   make(map[string]struct{}),
		guards: make(map[string]*iptables.Guard),
	}, nil
}

// Run reads beacons until running flips false or ctx is cancelled.
func (s *Server) Run(ctx context.Context, running *atomic.Bool) error {
	buf := make([]byte, 2*TagSize)

	for running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("whitelist: read beacon: %w", err)
		}

		if n != TagSize {
			metrics.WhitelistRejectedTotal.WithLabelValues("bad_size").Inc()
			continue
		}

		ip := raddr.IP.String()
		if s.alreadySeen(ip) {
			continue
		}

		accepted, ts := s.verify(buf[:n])
		if !accepted {
			metrics.WhitelistRejectedTotal.WithLabelValues("bad_tag").Inc()
			continue
		}

		if !s.advanceWatermark(ts) {
			metrics.WhitelistRejectedTotal.WithLabelValues("replay").Inc()
			continue
		}

		if err := s.admit(ip); err != nil {
			slog.Error("whitelist admit failed", "remote", ip, "error", err)
			continue
		}

		metrics.WhitelistAcceptedTotal.WithLabelValues(ip).Inc()
		s.stats.AddWhitelisted(ip)
	}
	return nil
}

func (s *Server) alreadySeen(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[ip]
	return ok
}

// verify checks buf against each of the last WindowSeconds timestamps and
// returns the first (most recent) matching timestamp.
func (s *Server) verify(buf []byte) (bool, int64) {
	now := time.Now().Unix()
	for i := int64(0); i < WindowSeconds; i++ {
		candidate := now - i
		want := tag(s.secret, candidate)
		if hmac.Equal(want[:], buf) {
			return true, candidate
		}
	}
	return false, 0
}

// advanceWatermark accepts ts only if it is strictly greater than every
// previously accepted timestamp, across all sources.
func (s *Server) advanceWatermark(ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts <= s.lastAccepted {
		return false
	}
	s.lastAccepted = ts
	return true
}

func (s *Server) admit(ip string) error {
	guard, err := iptables.InstallAcceptRule(ip)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seen[ip] = struct{}{}
	s.guards[ip] = guard
	s.mu.Unlock()
	return nil
}

// Close tears down every installed ACCEPT rule and the listening socket.
func (s *Server) Close() error {
	s.mu.Lock()
	guards := make([]*iptables.Guard, 0, len(s.guards))
	for _, g := range s.guards {
		guards = append(guards, g)
	}
	s.guards = make(map[string]*iptables.Guard)
	s.mu.Unlock()

	firstErr := iptables.GuardChain(guards...)
	if err := s.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
