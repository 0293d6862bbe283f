// Package xerr defines the sentinel error kinds the core distinguishes.
package xerr

import "errors"

// Kind values are compared with errors.Is against errors produced by
// pkg/errors.Wrap, so callers can classify a failure without inspecting its
// message.
var (
	// Io is a filesystem or socket I/O failure.
	Io = errors.New("io error")

	// Protocol is a malformed frame, a missing Connect handshake, or a
	// command received in the wrong connection state.
	Protocol = errors.New("protocol error")

	// PeerFlaky is raised after too many consecutive parse errors on one
	// connection.
	PeerFlaky = errors.New("peer flaky")

	// PathEscape is raised when a relative path would resolve outside the
	// store root.
	PathEscape = errors.New("path escape")

	// Fatal is unrecoverable at startup.
	Fatal = errors.New("fatal")
)
