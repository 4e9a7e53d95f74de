package wsserver

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rivermoor/wsengine/internal/bufpool"
	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// OnConnect is an admission hook consulted once the opening handshake's
// headers have been validated, but before the socket is handed to a Conn.
// Returning a non-nil error rejects the upgrade with 403 Forbidden and the
// error's message as the response body.
type OnConnect func(r *http.Request) error

// reactor is the http.Handler that performs the opening handshake, admits
// or rejects the connection, and then drives its decode loop. Go's
// netpoller is the reactor's event-multiplexing substrate: each accepted
// connection gets its own goroutine blocked in a network read, which is
// the idiomatic replacement for a single-threaded select() loop — the
// runtime, not application code, is what scales that to many thousands of
// blocked goroutines cheaply.
type reactor struct {
	draft      wsproto.Draft
	newHandler func() wsconn.Handler
	onConnect  OnConnect
	pool       *WorkerPool
	registry   Registry
	logger     *slog.Logger
	bufPool    *bufpool.Pool

	maxMessageSize int64
	closeTimeout   time.Duration
}

func (rc *reactor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respHeaders, err := rc.draft.AcceptHandshakeAsServer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if rc.onConnect != nil {
		if err := rc.onConnect(r); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported on this transport", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	for k, vs := range respHeaders {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		rc.logger.Error("failed to hijack connection for websocket upgrade", "error", err)
		return
	}
	if err := bufrw.Writer.Flush(); err != nil {
		_ = netConn.Close()
		return
	}

	opts := []wsconn.Option{
		wsconn.WithHandshake(r),
		wsconn.WithMaxMessageSize(rc.maxMessageSize),
		wsconn.WithCloseTimeout(rc.closeTimeout),
	}
	if rc.bufPool != nil {
		opts = append(opts, wsconn.WithBufPool(rc.bufPool))
	}

	// Hijack can hand back a bufrw.Reader that already holds bytes read
	// ahead of the request line (e.g. pipelined frame bytes a chattier
	// client sent right after its handshake). wsconn.New builds its own
	// bufio.Reader straight over the net.Conn, which would silently drop
	// anything still sitting in bufrw.Reader, so only bypass it when empty.
	var wireConn net.Conn = netConn
	if bufrw.Reader.Buffered() > 0 {
		wireConn = bufferedConn{Conn: netConn, r: bufrw.Reader}
	}

	conn := wsconn.New(wsconn.RoleServer, rc.draft, wireConn, rc.newHandler(), rc.logger, opts...)

	rc.registry.Add(conn)
	conn.Start()

	go rc.decodeLoop(conn)
}

// bufferedConn satisfies net.Conn while routing Read through a *bufio.Reader
// that may still hold bytes Hijack buffered ahead of the handshake; every
// other method forwards to the underlying net.Conn unchanged.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// decodeLoop is the per-connection goroutine that blocks on network reads
// (outside the worker pool) and hands each decoded frame to the pool for
// processing, waiting for that processing to finish before reading the
// next one. This is what the bounded worker pool actually bounds: CPU-side
// reassembly and handler dispatch, never idle sockets.
func (rc *reactor) decodeLoop(conn *wsconn.Conn) {
	defer rc.registry.Remove(conn)

	for {
		frame, err := conn.DecodeNextFrame()
		if err != nil {
			return
		}

		var handleErr error
		rc.pool.Run(func() {
			handleErr = conn.HandleFrame(frame)
		})
		if handleErr != nil {
			return
		}
	}
}
