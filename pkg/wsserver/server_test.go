package wsserver

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// echoHandler echoes every text/binary message back to its sender and
// records what it saw, for assertions from the test goroutine.
type echoHandler struct {
	wsconn.NopHandler

	mu     sync.Mutex
	opened bool
	closed bool
}

func (h *echoHandler) OnOpen(c *wsconn.Conn) {
	h.mu.Lock()
	h.opened = true
	h.mu.Unlock()
}

func (h *echoHandler) OnMessage(c *wsconn.Conn, opcode wsproto.Opcode, data []byte) {
	if opcode == wsproto.OpcodeText {
		<-c.SendText(data)
	} else {
		<-c.SendBinary(data)
	}
}

func (h *echoHandler) OnClose(c *wsconn.Conn, code wsproto.StatusCode, reason string, remote bool) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// dialRaw performs the opening handshake over HTTP and returns the
// underlying connection as an io.ReadWriteCloser, the way net/http exposes
// it for a 101 Switching Protocols response, ready for raw frame exchange.
func dialRaw(t *testing.T, addr string) io.ReadWriteCloser {
	t.Helper()

	draft := &wsproto.RFC6455{}
	req, nonce, err := draft.BuildClientRequest(t.Context(), &url.URL{Scheme: "ws", Host: addr, Path: "/"}, nil)
	if err != nil {
		t.Fatalf("BuildClientRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("handshake request: %v", err)
	}
	if err := draft.AcceptHandshakeAsClient(resp, nonce); err != nil {
		t.Fatalf("AcceptHandshakeAsClient: %v", err)
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		t.Fatalf("handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}
	return rwc
}

func startTestServer(t *testing.T, h *echoHandler) (*Server, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := New(Config{
		NewHandler:     func() wsconn.Handler { return h },
		WorkerPoolSize: 2,
	})
	go srv.Serve(l)
	t.Cleanup(func() { _ = l.Close() })

	return srv, l.Addr().String()
}

func TestServerEchoRoundTrip(t *testing.T) {
	h := &echoHandler{}
	_, addr := startTestServer(t, h)

	conn := dialRaw(t, addr)
	defer conn.Close()

	writeRaw(t, conn, wsproto.Frame{Fin: true, Opcode: wsproto.OpcodeText, Masked: true, Payload: []byte("ping")})

	echoed := readRaw(t, conn)
	if echoed.Opcode != wsproto.OpcodeText || string(echoed.Payload) != "ping" {
		t.Fatalf("echo = %+v, want text %q", echoed, "ping")
	}
}

func TestServerBroadcast(t *testing.T) {
	h := &echoHandler{}
	srv, addr := startTestServer(t, h)

	connA := dialRaw(t, addr)
	defer connA.Close()
	connB := dialRaw(t, addr)
	defer connB.Close()

	if !waitFor(func() bool { return srv.ConnCount() == 2 }) {
		t.Fatal("both connections never registered")
	}

	srv.Broadcast(wsproto.OpcodeText, []byte("hello all"))

	for _, conn := range []io.ReadWriteCloser{connA, connB} {
		got := readRaw(t, conn)
		if string(got.Payload) != "hello all" {
			t.Fatalf("broadcast payload = %q, want %q", got.Payload, "hello all")
		}
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

func writeRaw(t *testing.T, conn io.ReadWriter, f wsproto.Frame) {
	t.Helper()
	bw := bufio.NewWriter(conn)
	if err := wsproto.EncodeFrame(bw, f.Opcode, f.Payload, f.Fin, f.Masked); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func readRaw(t *testing.T, conn io.Reader) wsproto.Frame {
	t.Helper()
	br := bufio.NewReader(conn)
	f, err := wsproto.DecodeFrame(br)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return f
}
