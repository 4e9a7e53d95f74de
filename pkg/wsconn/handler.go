package wsconn

import "github.com/rivermoor/wsengine/pkg/wsproto"

// Handler is the application callback surface consumed by a Conn: an
// explicit interface, dispatched by value, rather than an abstract base
// type to subclass.
type Handler interface {
	// OnOpen fires once, after the opening handshake succeeds and the
	// connection reaches Open.
	OnOpen(c *Conn)

	// OnMessage fires once per fully reassembled application message.
	OnMessage(c *Conn, opcode wsproto.Opcode, data []byte)

	// OnClose fires exactly once, when the connection reaches Closed.
	// remote reports whether the peer initiated the closing handshake.
	OnClose(c *Conn, code wsproto.StatusCode, reason string, remote bool)

	// OnError fires for protocol, handshake, I/O, and policy failures. It
	// always precedes (or substitutes for) the corresponding OnClose.
	OnError(c *Conn, err error)
}

// FragmentHandler is a deprecated-but-retained per-fragment hook: it fires
// for every frame (control or data) as it arrives, without being coupled to
// the reassembly invariants that drive OnMessage. Implement it on the same
// value passed as Handler to opt in.
type FragmentHandler interface {
	OnFragment(c *Conn, opcode wsproto.Opcode, data []byte, fin bool)
}

// NopHandler is a Handler whose methods all do nothing; embed it to
// implement only the callbacks a caller cares about.
type NopHandler struct{}

func (NopHandler) OnOpen(*Conn)                                    {}
func (NopHandler) OnMessage(*Conn, wsproto.Opcode, []byte)         {}
func (NopHandler) OnClose(*Conn, wsproto.StatusCode, string, bool) {}
func (NopHandler) OnError(*Conn, error)                            {}
