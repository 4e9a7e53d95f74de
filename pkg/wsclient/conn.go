package wsclient

import (
	"sync"

	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// Message is a fully reassembled data message delivered on a Conn's
// IncomingMessages channel.
type Message struct {
	Opcode wsproto.Opcode
	Data   []byte
}

// Conn wraps a dialed wsconn.Conn and republishes its OnMessage/OnClose
// callbacks as channels, mirroring how a long-lived client exposes a
// connection to callers that want to range over it rather than implement
// wsconn.Handler themselves.
type Conn struct {
	underlying *wsconn.Conn

	reader chan Message
	closed chan struct{}

	closeOnce sync.Once
	closeCode wsproto.StatusCode
	closeErr  error
}

// IncomingMessages returns the channel that publishes data messages as they
// arrive. It's closed once the connection stops reading (a CLOSE frame was
// received, or a protocol or I/O error ended the read loop), which can be
// before the connection reaches Closed; range over it to consume messages
// until disconnection.
func (c *Conn) IncomingMessages() <-chan Message {
	return c.reader
}

// Done returns a channel that's closed once the connection has fully
// closed, for callers that want to select on disconnection without
// draining IncomingMessages.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// SendText sends a UTF-8 text message.
func (c *Conn) SendText(data []byte) <-chan error {
	return c.underlying.SendText(data)
}

// SendBinary sends a binary message.
func (c *Conn) SendBinary(data []byte) <-chan error {
	return c.underlying.SendBinary(data)
}

// Close starts a locally-initiated closing handshake.
func (c *Conn) Close(code wsproto.StatusCode, reason string) {
	c.underlying.Close(code, reason)
}

// IsOpen reports whether the connection is still in the Open ready state.
func (c *Conn) IsOpen() bool {
	return c.underlying.IsOpen()
}

// Err returns the error that precipitated closure, if any (nil for a clean
// locally- or remotely-initiated close). Only meaningful after Done fires.
func (c *Conn) Err() error {
	return c.closeErr
}

// clientHandler adapts wsconn.Handler callbacks onto a Conn's channels.
type clientHandler struct {
	c *Conn
}

func (h *clientHandler) OnOpen(*wsconn.Conn) {}

// OnMessage delivers via select rather than a bare send: if nothing is
// draining IncomingMessages, h.c.closed lets a pending delivery give up once
// the connection finalizes instead of blocking forever.
func (h *clientHandler) OnMessage(_ *wsconn.Conn, opcode wsproto.Opcode, data []byte) {
	select {
	case h.c.reader <- Message{Opcode: opcode, Data: data}:
	case <-h.c.closed:
	}
}

// OnClose only closes c.closed. c.reader is closed by decodeLoop itself —
// the same goroutine that sends to it via OnMessage — so it's never closed
// out from under a concurrent send.
func (h *clientHandler) OnClose(_ *wsconn.Conn, code wsproto.StatusCode, reason string, _ bool) {
	h.c.closeOnce.Do(func() {
		h.c.closeCode = code
		close(h.c.closed)
	})
	_ = reason
}

func (h *clientHandler) OnError(_ *wsconn.Conn, err error) {
	h.c.closeErr = err
}

// decodeLoop runs as the Conn's single goroutine, reading and dispatching
// one frame at a time. Unlike pkg/wsserver's reactor, a dialed connection
// has no bounded worker pool to hand frames to: a client is one connection,
// not thousands, so serializing decode and dispatch on the same goroutine
// costs nothing and needs no extra plumbing.
func (c *Conn) decodeLoop() {
	for {
		if err := c.underlying.ReadAndHandleFrame(); err != nil {
			break
		}
	}
	close(c.reader)
}
