//go:build linux

// Package netutil wraps the raw-socket and interface-lookup syscalls the
// Sender and Receiver need: one IP_HDRINCL raw socket per egress interface,
// each bound to its device and (optionally) fwmarked so policy routing can
// steer the tunnel's own outgoing packets.
package netutil

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// RawSocket is an IP_HDRINCL AF_INET/SOCK_RAW socket scoped to a single
// network interface. Callers hand it fully-formed IPv4 datagrams (header
// included) and the kernel does no rewriting beyond what the device driver
// itself performs.
type RawSocket struct {
	fd    int
	Iface string
}

// OpenRawSocket creates an IP_HDRINCL raw socket bound to iface. If mark is
// non-zero, SO_MARK is set so routing/iptables rules can match on it.
func OpenRawSocket(iface string, mark int) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("netutil: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netutil: set IP_HDRINCL: %w", err)
	}

	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netutil: bind %s to device: %w", iface, err)
	}

	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netutil: set SO_MARK on %s: %w", iface, err)
		}
	}

	return &RawSocket{fd: fd, Iface: iface}, nil
}

// SendTo writes a complete IPv4 datagram (header included) to dst.
func (r *RawSocket) SendTo(packet []byte, dst net.IP) error {
	dst4 := dst.To4()
	if dst4 == nil {
		return fmt.Errorf("netutil: destination %s is not IPv4", dst)
	}

	addr := unix.SockaddrInet4{}
	copy(addr.Addr[:], dst4)

	if err := unix.Sendto(r.fd, packet, 0, &addr); err != nil {
		return fmt.Errorf("netutil: sendto %s via %s: %w", dst, r.Iface, err)
	}
	return nil
}

// Close releases the underlying file descriptor.
func (r *RawSocket) Close() error {
	return unix.Close(r.fd)
}

// SetMark updates SO_MARK on the socket. The Sender sets this to fwmark
// immediately before a burst of sends and resets it to 0 immediately after,
// so kernel policy routing only steers the tunnel's own synthesized
// packets and not everything else the socket might carry.
func (r *RawSocket) SetMark(mark int) error {
	if err := unix.SetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
		return fmt.Errorf("netutil: set SO_MARK=%d on %s: %w", mark, r.Iface, err)
	}
	return nil
}

// DialUDPBoundToDevice dials a plain UDP socket to raddr, bound to iface via
// SO_BINDTODEVICE, for traffic that rides the normal UDP stack instead of a
// raw IP_HDRINCL socket (the whitelist beacon, not the tunnel data path).
func DialUDPBoundToDevice(iface, raddr string) (*net.UDPConn, error) {
	dialer := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := dialer.Dial("udp4", raddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: dial %s via %s: %w", raddr, iface, err)
	}
	return conn.(*net.UDPConn), nil
}

// InterfaceIPv4 returns the first IPv4 address bound to the named
// interface. The Sender uses it as the source address of every fragment it
// sends on that interface.
func InterfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("netutil: lookup interface %s: %w", name, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("netutil: addrs for %s: %w", name, err)
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}

	return nil, fmt.Errorf("netutil: interface %s has no IPv4 address", name)
}
