package wsconn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// recordingHandler captures every callback invocation for assertions.
type recordingHandler struct {
	NopHandler

	mu       sync.Mutex
	opened   bool
	messages []recordedMessage
	closed   bool
	closeArg struct {
		code   wsproto.StatusCode
		reason string
		remote bool
	}
	errs []error
}

type recordedMessage struct {
	opcode wsproto.Opcode
	data   string
}

func (h *recordingHandler) OnOpen(*Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = true
}

func (h *recordingHandler) OnMessage(_ *Conn, opcode wsproto.Opcode, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, recordedMessage{opcode: opcode, data: string(data)})
}

func (h *recordingHandler) OnClose(_ *Conn, code wsproto.StatusCode, reason string, remote bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeArg.code = code
	h.closeArg.reason = reason
	h.closeArg.remote = remote
}

func (h *recordingHandler) OnError(_ *Conn, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) snapshotMessages() []recordedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]recordedMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *recordingHandler) snapshotClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// pumpUntilClosed calls ReadAndHandleFrame in a loop until it returns an
// error (peer EOF, detected close, or protocol violation), mirroring how
// pkg/wsserver and pkg/wsclient drive a Conn.
func pumpUntilClosed(c *Conn) {
	for {
		if err := c.ReadAndHandleFrame(); err != nil {
			return
		}
	}
}

func newPipeConn(role Role) (*Conn, net.Conn, *recordingHandler) {
	clientSide, serverSide := net.Pipe()
	netConn := clientSide
	if role == RoleServer {
		netConn = serverSide
	}

	h := &recordingHandler{}
	c := New(role, &wsproto.RFC6455{}, netConn, h, nil, WithCloseTimeout(50*time.Millisecond))

	peer := serverSide
	if role == RoleServer {
		peer = clientSide
	}
	return c, peer, h
}

func TestConnOpenMessageClose(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)

	if !waitFor(func() bool { return h.opened }) {
		t.Fatal("OnOpen never fired")
	}

	// Client writes a masked single-frame text message "hi".
	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeText, Masked: true, Payload: []byte("hi")})

	if !waitFor(func() bool { return len(h.snapshotMessages()) == 1 }) {
		t.Fatal("OnMessage never fired")
	}
	got := h.snapshotMessages()[0]
	if got.opcode != wsproto.OpcodeText || got.data != "hi" {
		t.Fatalf("message = %+v, want text %q", got, "hi")
	}

	// Client sends a CLOSE; the server Conn must echo one back and finish.
	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeClose, Masked: true,
		Payload: closePayload(wsproto.StatusNormal, "")})

	echoed := readRawFrame(t, peer)
	if echoed.Opcode != wsproto.OpcodeClose {
		t.Fatalf("expected echoed CLOSE frame, got opcode %v", echoed.Opcode)
	}

	if !waitFor(h.snapshotClosed) {
		t.Fatal("OnClose never fired")
	}
	if h.closeArg.code != wsproto.StatusNormal || !h.closeArg.remote {
		t.Fatalf("close args = %+v, want code=1000 remote=true", h.closeArg)
	}
}

func TestConnFragmentedMessage(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)
	waitFor(func() bool { return h.opened })

	writeRawFrame(t, peer, wsproto.Frame{Fin: false, Opcode: wsproto.OpcodeText, Masked: true, Payload: []byte("hel")})
	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeContinuation, Masked: true, Payload: []byte("lo")})

	if !waitFor(func() bool { return len(h.snapshotMessages()) == 1 }) {
		t.Fatal("fragmented message was never reassembled")
	}
	if got := h.snapshotMessages()[0]; got.data != "hello" {
		t.Fatalf("reassembled = %q, want %q", got.data, "hello")
	}
}

func TestConnRejectsInterleavedDataFrame(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)
	waitFor(func() bool { return h.opened })

	writeRawFrame(t, peer, wsproto.Frame{Fin: false, Opcode: wsproto.OpcodeText, Masked: true, Payload: []byte("a")})
	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeBinary, Masked: true, Payload: []byte("b")})

	if !waitFor(h.snapshotClosed) {
		t.Fatal("interleaved data frame should have failed the connection")
	}
	if h.closeArg.code != wsproto.StatusProtocolError {
		t.Fatalf("close code = %v, want %v", h.closeArg.code, wsproto.StatusProtocolError)
	}
}

func TestConnRejectsUnmaskedClientFrame(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)
	waitFor(func() bool { return h.opened })

	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeText, Masked: false, Payload: []byte("x")})

	if !waitFor(h.snapshotClosed) {
		t.Fatal("unmasked client frame should have failed the connection")
	}
	if h.closeArg.code != wsproto.StatusProtocolError {
		t.Fatalf("close code = %v, want %v", h.closeArg.code, wsproto.StatusProtocolError)
	}
}

func TestConnLocalClose(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)
	waitFor(func() bool { return h.opened })

	c.Close(wsproto.StatusGoingAway, "bye")

	sent := readRawFrame(t, peer)
	if sent.Opcode != wsproto.OpcodeClose {
		t.Fatalf("expected a CLOSE frame, got opcode %v", sent.Opcode)
	}

	// Peer echoes the close back, completing the handshake.
	writeRawFrame(t, peer, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeClose, Masked: true, Payload: sent.Payload})

	if !waitFor(h.snapshotClosed) {
		t.Fatal("OnClose never fired after local close completed")
	}
	if h.closeArg.remote {
		t.Fatal("close should be reported as locally initiated")
	}
}

func TestConnCloseDeadlineForcesClose(t *testing.T) {
	c, peer, h := newPipeConn(RoleServer)
	c.Start()
	go pumpUntilClosed(c)
	waitFor(func() bool { return h.opened })

	c.Close(wsproto.StatusGoingAway, "bye")

	// Drain the outgoing CLOSE frame so the writer goroutine isn't stuck
	// mid-write, but never echo one back — the peer simply vanishes.
	readRawFrame(t, peer)

	if !waitFor(h.snapshotClosed) {
		t.Fatal("close deadline never forced the connection closed")
	}
	if h.closeArg.code != wsproto.StatusAbnormalClose {
		t.Fatalf("close code = %v, want %v (peer never echoed)", h.closeArg.code, wsproto.StatusAbnormalClose)
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
