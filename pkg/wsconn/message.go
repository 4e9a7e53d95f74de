package wsconn

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// DecodeNextFrame blocks on the network until one full frame arrives (or
// the connection fails) and returns it undecoded-further. It does none of
// the reassembly/dispatch work in HandleFrame, so a caller that wants to
// bound CPU work across many connections — without also bounding how many
// connections may be blocked waiting on I/O — can run this directly on a
// per-connection goroutine and hand only the result to a worker pool.
//
// A non-nil error means the connection is done being read from, and has
// already been failed/closed accordingly; the caller should stop reading.
func (c *Conn) DecodeNextFrame() (wsproto.Frame, error) {
	frame, err := wsproto.DecodeFrame(c.br)
	if err != nil {
		return wsproto.Frame{}, c.handleReadError(err)
	}
	return frame, nil
}

// HandleFrame processes one already-decoded frame: it advances message
// reassembly, answers control frames, and dispatches a completed message to
// the Handler. It is not safe to call concurrently for the same Conn — the
// caller is responsible for serializing calls per connection, which is what
// keeps message delivery in order.
//
// A non-nil return means the connection is done being read from: a protocol
// violation was detected, or the closing handshake completed.
func (c *Conn) HandleFrame(frame wsproto.Frame) error {
	c.touchLastFrame()

	if err := c.checkMaskingInvariant(frame); err != nil {
		c.failProtocol(err)
		return err
	}

	if fh, ok := c.handler.(FragmentHandler); ok {
		fh.OnFragment(c, frame.Opcode, frame.Payload, frame.Fin)
	}

	switch {
	case frame.Opcode == wsproto.OpcodeClose:
		c.handleCloseFrame(frame.Payload)
		return errConnectionClosed

	case frame.Opcode == wsproto.OpcodePing:
		c.sendPongAsync(frame.Payload)

	case frame.Opcode == wsproto.OpcodePong:
		// touchLastFrame() above already cleared pongPending.

	case frame.Opcode == wsproto.OpcodeContinuation || frame.Opcode.IsData():
		if perr := c.appendFragment(frame); perr != nil {
			c.failProtocol(perr)
			return perr
		}
	}

	return nil
}

// ReadAndHandleFrame decodes and processes exactly one frame. It's the
// simple, unpooled combination of DecodeNextFrame and HandleFrame, for
// drivers — like pkg/wsclient's reader goroutine — that don't need a
// separate bounded worker pool for frame processing.
func (c *Conn) ReadAndHandleFrame() error {
	frame, err := c.DecodeNextFrame()
	if err != nil {
		return err
	}
	return c.HandleFrame(frame)
}

func (c *Conn) handleReadError(err error) error {
	var perr *wsproto.ProtocolError
	if errors.As(err, &perr) {
		c.failProtocol(perr)
		return perr
	}

	if errors.Is(err, io.EOF) {
		c.closeMu.Lock()
		c.closeReceived = true
		c.closeSent = true
		c.closeMu.Unlock()
		c.AbnormalClose(nil)
		return err
	}

	c.AbnormalClose(err)
	return err
}

// checkMaskingInvariant enforces the role/masking rule: a SERVER-role Conn
// must reject unmasked inbound frames, a CLIENT-role Conn must reject
// masked inbound frames.
func (c *Conn) checkMaskingInvariant(f wsproto.Frame) *wsproto.ProtocolError {
	if c.Role == RoleServer && !f.Masked {
		return wsproto.NewProtocolErrorCode("unmasked frame from client", wsproto.StatusProtocolError)
	}
	if c.Role == RoleClient && f.Masked {
		return wsproto.NewProtocolErrorCode("masked frame from server", wsproto.StatusProtocolError)
	}
	return nil
}

// appendFragment implements the fragmentation rules: no two data messages
// may interleave, a message is delivered to OnMessage only once its final
// (fin=true) frame arrives, and a completed text message must be valid
// UTF-8.
func (c *Conn) appendFragment(f wsproto.Frame) *wsproto.ProtocolError {
	if f.Opcode == wsproto.OpcodeContinuation {
		if !c.reassembling {
			return wsproto.NewProtocolErrorCode("continuation frame with nothing to continue", wsproto.StatusProtocolError)
		}
	} else {
		if c.reassembling {
			return wsproto.NewProtocolErrorCode("data frame interleaved with fragmented message", wsproto.StatusProtocolError)
		}
		c.reassembling = true
		c.reassembleOp = f.Opcode
		if c.bufPool != nil {
			c.reassembleBuf = c.bufPool.Get()[:0]
		} else {
			c.reassembleBuf = c.reassembleBuf[:0]
		}
	}

	if len(f.Payload) > 0 {
		if c.maxMessageSize > 0 && int64(len(c.reassembleBuf)+len(f.Payload)) > c.maxMessageSize {
			return wsproto.NewProtocolErrorCode(
				fmt.Sprintf("message exceeds maximum size of %d bytes", c.maxMessageSize), wsproto.StatusTooBig)
		}
		c.reassembleBuf = append(c.reassembleBuf, f.Payload...)
	}

	if !f.Fin {
		return nil
	}

	op := c.reassembleOp
	pooled := c.reassembleBuf
	c.reassembling = false
	c.reassembleOp = 0
	c.reassembleBuf = nil

	// The Handler may retain data indefinitely, so it never gets the pooled
	// backing array directly — only a pool-independent copy. The pooled
	// array goes back to the free-list right here instead.
	data := append([]byte(nil), pooled...)
	if c.bufPool != nil {
		c.bufPool.Put(pooled)
	}

	if op == wsproto.OpcodeText && len(data) > 0 && !utf8.Valid(data) {
		return wsproto.NewProtocolErrorCode("invalid UTF-8 in text message", wsproto.StatusNoUTF8)
	}

	c.handler.OnMessage(c, op, data)
	return nil
}

func (c *Conn) sendPongAsync(payload []byte) {
	errCh := c.sendPong(payload)
	go func() {
		if err := <-errCh; err != nil {
			c.Logger.Debug("failed to send WebSocket pong frame", "error", err, "conn", c.ID)
		}
	}()
}

// failProtocol fails the connection locally in response to a detected
// RFC 6455 violation (ours or the peer's): it's the local side that decides
// to close, with the close code the violation maps to.
func (c *Conn) failProtocol(err *wsproto.ProtocolError) {
	c.handler.OnError(c, err)
	c.beginClose(InitiatorLocal, err.Code, err.Reason)
}
