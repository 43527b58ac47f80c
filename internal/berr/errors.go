// Package berr defines the error taxonomy shared by every bondtun component.
package berr

import "errors"

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", Kind) so
// callers can classify a failure with errors.Is without string matching.
var (
	// ErrConfiguration covers missing secrets, no interfaces, malformed SNAT
	// addresses — fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrivilege covers missing root, or failure to create a raw socket
	// or bind to a device — fatal at startup.
	ErrPrivilege = errors.New("privilege error")

	// ErrPacketParse covers non-IPv4, non-UDP, or undersized packets. Per
	// packet: recovered by a DROP verdict and a counter bump.
	ErrPacketParse = errors.New("packet parse error")

	// ErrTransientIO covers a would-block read on a queue or socket.
	// Recovered by a short sleep.
	ErrTransientIO = errors.New("transient io error")

	// ErrSend covers a per-interface send_to failure. Logged; other
	// interfaces proceed; the sequence still advances.
	ErrSend = errors.New("send error")

	// ErrKernelQueue covers any other error from a queue read or verdict.
	// Terminal for the owning goroutine.
	ErrKernelQueue = errors.New("kernel queue error")

	// ErrWhitelistAuth covers an HMAC mismatch. Silent (no reply) by
	// design, to avoid oracle behavior.
	ErrWhitelistAuth = errors.New("whitelist auth error")
)
