package wsconn

import (
	"encoding/binary"
	"time"
	"unicode/utf8"

	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// Close starts a locally-initiated closing handshake: it's idempotent — a
// connection that already sent a CLOSE frame (for any reason) ignores
// further calls.
func (c *Conn) Close(code wsproto.StatusCode, reason string) {
	c.beginClose(InitiatorLocal, code, reason)
}

// handleCloseFrame processes a received CLOSE control frame, echoing the
// same status code back if we haven't already sent our own.
func (c *Conn) handleCloseFrame(payload []byte) {
	code, reason := parseClosePayload(payload)

	c.closeMu.Lock()
	c.closeReceived = true
	alreadySent := c.closeSent
	c.closeMu.Unlock()

	if alreadySent {
		// We initiated; this is the peer's echo. Nothing more to send.
		c.maybeFinish()
		return
	}

	// Peer initiated: echo the same code back, per RFC 6455 §5.5.1.
	c.beginClose(InitiatorRemote, code, reason)
}

// beginClose is the single entry point for both locally- and
// remotely-initiated closes. It is idempotent on the "send a CLOSE frame"
// side: only the first call actually enqueues one.
func (c *Conn) beginClose(initiator CloseInitiator, code wsproto.StatusCode, reason string) {
	if len(reason) > maxCloseReasonBytes {
		reason = reason[:maxCloseReasonBytes]
	}
	if !code.OnWire() {
		code = wsproto.StatusNormal
	}

	c.closeMu.Lock()
	alreadySent := c.closeSent
	if c.closeInitiator == InitiatorNone {
		c.closeInitiator = initiator
		c.closeCode = code
		c.closeReason = reason
	}
	if !alreadySent {
		c.closeSent = true
	}
	if c.closeTimer == nil {
		c.closeTimer = time.AfterFunc(c.closeTimeout, c.onCloseDeadline)
	}
	c.closeMu.Unlock()

	if !alreadySent {
		payload := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)

		// Enqueue while still Open — send rejects anything but Open — then
		// transition to Closing so subsequent application sends are refused.
		errCh := c.send([]wsproto.Frame{{Fin: true, Opcode: wsproto.OpcodeClose, Masked: c.isMaskedOutbound(), Payload: payload}})
		if c.ReadyState() == Open {
			c.state.Store(int32(Closing))
		}

		go func() {
			if err := <-errCh; err != nil {
				c.Logger.Debug("failed to send WebSocket close frame", "error", err, "conn", c.ID)
			}
			c.maybeFinish()
		}()
	} else {
		if c.ReadyState() == Open {
			c.state.Store(int32(Closing))
		}
		c.maybeFinish()
	}
}

// maybeFinish closes the outbound queue — which lets the writer goroutine
// drain the (already enqueued) CLOSE frame and then finalize — once both
// directions of the closing handshake are accounted for.
func (c *Conn) maybeFinish() {
	c.closeMu.Lock()
	done := c.closeSent && c.closeReceived
	c.closeMu.Unlock()

	if done {
		c.closeOutOnce.Do(func() { close(c.out) })
	}
}

// onCloseDeadline force-closes the connection if the peer never completed
// the closing handshake in time, reporting code 1006 if no CLOSE was ever
// echoed back.
func (c *Conn) onCloseDeadline() {
	c.closeMu.Lock()
	received := c.closeReceived
	if !received {
		c.closeCode = wsproto.StatusAbnormalClose
	}
	c.closeMu.Unlock()

	c.closeOutOnce.Do(func() { close(c.out) })
}

// maxCloseReasonBytes mirrors wsproto.MaxControlPayload minus the 2-byte
// status code.
const maxCloseReasonBytes = wsproto.MaxControlPayload - 2

func parseClosePayload(payload []byte) (wsproto.StatusCode, string) {
	switch len(payload) {
	case 0:
		return wsproto.StatusNoStatusReceived, ""
	case 1:
		return wsproto.StatusProtocolError, ""
	}

	code := wsproto.StatusCode(binary.BigEndian.Uint16(payload))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return wsproto.StatusNoUTF8, ""
	}
	if !code.OnWire() {
		code = wsproto.StatusProtocolError
	}
	return code, string(reason)
}
