// Package wsconn implements the per-connection WebSocket state machine:
// ready-state transitions, message reassembly, the outbound FIFO queue, and
// the RFC 6455 closing handshake. It is driven by a caller-supplied Draft
// (see pkg/wsproto) and by an I/O owner — pkg/wsserver for accepted
// connections, pkg/wsclient for dialed ones.
package wsconn

import "strconv"

// Role governs masking: CLIENT masks outbound payloads, SERVER must reject
// unmasked inbound data frames and must never mask outbound ones.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ReadyState is the four-valued connection lifecycle. Transitions are
// monotone: once Closed, terminal.
type ReadyState int32

const (
	NotYetConnected ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case NotYetConnected:
		return "not-yet-connected"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// CloseInitiator records who started the closing handshake.
type CloseInitiator int

const (
	InitiatorNone CloseInitiator = iota
	InitiatorLocal
	InitiatorRemote
)

func (i CloseInitiator) Remote() bool {
	return i == InitiatorRemote
}
