// Package iptables manages the host-level state bondtun needs before it can
// divert packets: the nfnetlink_queue module, an iptables NFQUEUE rule, and
// IPv4 forwarding. Each is acquired through a Guard so a single Close (or
// panic-safe defer) always leaves the host as it found it.
package iptables

import (
	"fmt"
	"os"
	"os/exec"
)

// Guard pairs a setup action already taken with the teardown that undoes
// it. Closing a Guard more than once is a no-op.
type Guard struct {
	name     string
	teardown func() error
	closed   bool
}

// Close runs the teardown action, if any, exactly once.
func (g *Guard) Close() error {
	if g == nil || g.closed || g.teardown == nil {
		return nil
	}
	g.closed = true
	if err := g.teardown(); err != nil {
		return fmt.Errorf("iptables: teardown %s: %w", g.name, err)
	}
	return nil
}

func run(args ...string) error {
	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args, err, out)
	}
	return nil
}

// LoadNFQueueModule modprobes nfnetlink_queue. The module is never removed
// on teardown: unloading a netfilter module out from under a kernel that
// may have other users of it is a footgun the original tool also avoided.
func LoadNFQueueModule() error {
	if err := run("modprobe", "nfnetlink_queue"); err != nil {
		return fmt.Errorf("iptables: load nfnetlink_queue: %w", err)
	}
	return nil
}

// InstallQueueRule inserts an iptables rule diverting packets matching
// chain/proto/port to the given NFQUEUE number, and returns a Guard whose
// Close removes exactly that rule.
func InstallQueueRule(chain, proto string, port int, queueNum int) (*Guard, error) {
	insertArgs := []string{"iptables", "-I", chain, "-p", proto, "--dport", fmt.Sprintf("%d", port),
		"-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", queueNum)}
	deleteArgs := []string{"iptables", "-D", chain, "-p", proto, "--dport", fmt.Sprintf("%d", port),
		"-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", queueNum)}

	if err := run(insertArgs...); err != nil {
		return nil, fmt.Errorf("iptables: install queue rule on %s: %w", chain, err)
	}

	return &Guard{
		name:     fmt.Sprintf("NFQUEUE rule %s/%s:%d", chain, proto, port),
		teardown: func() error { return run(deleteArgs...) },
	}, nil
}

// InstallSenderQueueRule installs the client-side egress diversion rule:
// `-t mangle -A OUTPUT -p udp --dport <port> -m mark ! --mark <fwmark> -j
// NFQUEUE --queue-num <queueNum>`. The mark exclusion keeps packets this
// process itself just marked and sent (the tunneled fragments) from being
// re-diverted back through the queue.
func InstallSenderQueueRule(port int, fwmark uint32, queueNum int) (*Guard, error) {
	insertArgs := []string{"iptables", "-t", "mangle", "-A", "OUTPUT", "-p", "udp",
		"--dport", fmt.Sprintf("%d", port), "-m", "mark", "!", "--mark", fmt.Sprintf("%d", fwmark),
		"-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", queueNum)}
	deleteArgs := []string{"iptables", "-t", "mangle", "-D", "OUTPUT", "-p", "udp",
		"--dport", fmt.Sprintf("%d", port), "-m", "mark", "!", "--mark", fmt.Sprintf("%d", fwmark),
		"-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", queueNum)}

	if err := run(insertArgs...); err != nil {
		return nil, fmt.Errorf("iptables: install sender queue rule for port %d: %w", port, err)
	}
	return &Guard{
		name:     fmt.Sprintf("sender NFQUEUE rule port %d", port),
		teardown: func() error { return run(deleteArgs...) },
	}, nil
}

// InstallClientReceiverQueueRule installs the client-side ingress diversion
// rule: `-t mangle -A PREROUTING -p udp --sport <port> -j NFQUEUE
// --queue-num <recvQueueNum>`.
func InstallClientReceiverQueueRule(port int, recvQueueNum int) (*Guard, error) {
	insertArgs := []string{"iptables", "-t", "mangle", "-A", "PREROUTING", "-p", "udp",
		"--sport", fmt.Sprintf("%d", port), "-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", recvQueueNum)}
	deleteArgs := []string{"iptables", "-t", "mangle", "-D", "PREROUTING", "-p", "udp",
		"--sport", fmt.Sprintf("%d", port), "-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", recvQueueNum)}

	if err := run(insertArgs...); err != nil {
		return nil, fmt.Errorf("iptables: install client receiver queue rule for port %d: %w", port, err)
	}
	return &Guard{
		name:     fmt.Sprintf("client receiver NFQUEUE rule port %d", port),
		teardown: func() error { return run(deleteArgs...) },
	}, nil
}

// InstallServerReceiverQueueRule installs the server-side ingress
// diversion rule: `-t mangle -A INPUT -p udp --dport <port> ! -s <snatIP>
// -m mark --mark 0 -j NFQUEUE --queue-num <recvQueueNum>`. snatIP may be
// empty, in which case the `! -s` exclusion is omitted (no sentinel to
// exempt).
func InstallServerReceiverQueueRule(port int, snatIP string, recvQueueNum int) (*Guard, error) {
	insertArgs := []string{"iptables", "-t", "mangle", "-A", "INPUT", "-p", "udp",
		"--dport", fmt.Sprintf("%d", port)}
	if snatIP != "" {
		insertArgs = append(insertArgs, "!", "-s", snatIP)
	}
	insertArgs = append(insertArgs, "-m", "mark", "--mark", "0", "-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", recvQueueNum))

	deleteArgs := make([]string, len(insertArgs))
	copy(deleteArgs, insertArgs)
	deleteArgs[3] = "-D"

	if err := run(insertArgs...); err != nil {
		return nil, fmt.Errorf("iptables: install server receiver queue rule for port %d: %w", port, err)
	}
	return &Guard{
		name:     fmt.Sprintf("server receiver NFQUEUE rule port %d", port),
		teardown: func() error { return run(deleteArgs...) },
	}, nil
}

// InstallAcceptRule inserts `-I INPUT -s <srcIP> -j ACCEPT`, returning a
// Guard whose Close issues the matching `-D`.
func InstallAcceptRule(srcIP string) (*Guard, error) {
	insertArgs := []string{"iptables", "-I", "INPUT", "-s", srcIP, "-j", "ACCEPT"}
	deleteArgs := []string{"iptables", "-D", "INPUT", "-s", srcIP, "-j", "ACCEPT"}

	if err := run(insertArgs...); err != nil {
		return nil, fmt.Errorf("iptables: install accept rule for %s: %w", srcIP, err)
	}

	return &Guard{
		name:     fmt.Sprintf("ACCEPT rule for %s", srcIP),
		teardown: func() error { return run(deleteArgs...) },
	}, nil
}

// EnableIPForwarding flips net.ipv4.ip_forward to 1 via sysctl, returning a
// Guard that restores the previous value on Close.
func EnableIPForwarding() (*Guard, error) {
	const sysctlPath = "/proc/sys/net/ipv4/ip_forward"

	prev, err := os.ReadFile(sysctlPath)
	if err != nil {
		return nil, fmt.Errorf("iptables: read ip_forward: %w", err)
	}

	if err := os.WriteFile(sysctlPath, []byte("1\n"), 0644); err != nil {
		return nil, fmt.Errorf("iptables: enable ip_forward: %w", err)
	}

	return &Guard{
		name: "net.ipv4.ip_forward",
		teardown: func() error {
			return os.WriteFile(sysctlPath, prev, 0644)
		},
	}, nil
}

// GuardChain closes guards in reverse acquisition order, matching how they
// were taken, and returns the first error encountered (if any) after
// attempting to close every guard.
func GuardChain(guards ...*Guard) error {
	var firstErr error
	for i := len(guards) - 1; i >= 0; i-- {
		if err := guards[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
