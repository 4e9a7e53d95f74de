// Package wsserver accepts WebSocket connections over HTTP, admits or
// rejects them, and drives their frame decode/dispatch loop through a
// bounded worker pool. It pairs with pkg/wsconn (the per-connection state
// machine) and pkg/wsproto (the wire format); this package is the part
// that's specific to being the accepting side of a listening socket.
package wsserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivermoor/wsengine/internal/accesslog"
	"github.com/rivermoor/wsengine/internal/bufpool"
	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// Config configures a Server. Only Addr and NewHandler are required; the
// rest have workable zero-value defaults.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":8080".
	Addr string

	// Draft selects the protocol variant. Defaults to wsproto.RFC6455.
	Draft wsproto.Draft

	// NewHandler is called once per accepted connection to produce the
	// wsconn.Handler that will receive its callbacks. Required.
	NewHandler func() wsconn.Handler

	// OnConnect is an optional admission hook; see the OnConnect type.
	OnConnect OnConnect

	// Path is the HTTP path the upgrade endpoint is served on. Defaults
	// to "/".
	Path string

	// WorkerPoolSize bounds concurrent frame processing across all
	// connections. Defaults to runtime.GOMAXPROCS(0) workers if <= 0.
	WorkerPoolSize int

	// Registry tracks live connections for Broadcast/BroadcastExcept.
	// Defaults to a MutexRegistry.
	Registry Registry

	// Heartbeat controls idle-connection probing. Zero value uses
	// HeartbeatConfig's own defaults.
	Heartbeat HeartbeatConfig

	// MaxMessageSize bounds a single reassembled application message.
	// Defaults to wsconn.DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseTimeout bounds how long a CLOSING connection waits for the
	// peer's echoed CLOSE frame. Defaults to wsproto.DefaultCloseTimeout.
	CloseTimeout time.Duration

	// ShutdownGracePeriod bounds how long Shutdown waits for connections
	// to finish a GOING_AWAY closing handshake before forcing them shut.
	ShutdownGracePeriod time.Duration

	// TLSConfig, if set, serves wss:// instead of ws://. Start uses
	// ListenAndServeTLS; Serve wraps the caller's listener with it.
	TLSConfig *tls.Config

	// BufPool, if set, is shared across every accepted connection's message
	// reassembly. Leave nil to let each connection allocate independently.
	BufPool *bufpool.Pool

	// AccessLog, if set, logs one zerolog line per upgrade request
	// (method, path, remote address, status, duration) ahead of the
	// protocol core's own slog-based logging.
	AccessLog *zerolog.Logger

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Draft == nil {
		c.Draft = &wsproto.RFC6455{}
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Registry == nil {
		c.Registry = NewMutexRegistry()
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = wsconn.DefaultMaxMessageSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = wsproto.DefaultCloseTimeout
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server listens for WebSocket upgrades, admits connections, and drives
// their frame processing through a bounded worker pool shared across the
// whole server.
type Server struct {
	cfg      Config
	http     *http.Server
	pool     *WorkerPool
	hb       *heartbeat
	registry Registry
}

// New constructs a Server. It does not start listening; call Start.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}

	s := &Server{
		cfg:      cfg,
		pool:     NewWorkerPool(poolSize),
		registry: cfg.Registry,
	}
	s.hb = newHeartbeat(cfg.Heartbeat, s.registry)

	rc := &reactor{
		draft:          cfg.Draft,
		newHandler:     cfg.NewHandler,
		onConnect:      cfg.OnConnect,
		pool:           s.pool,
		registry:       s.registry,
		logger:         cfg.Logger,
		maxMessageSize: cfg.MaxMessageSize,
		closeTimeout:   cfg.CloseTimeout,
		bufPool:        cfg.BufPool,
	}

	mux := http.NewServeMux()
	var upgradeHandler http.Handler = rc
	if cfg.AccessLog != nil {
		upgradeHandler = accesslog.Middleware(*cfg.AccessLog, rc)
	}
	mux.Handle(cfg.Path, upgradeHandler)

	s.http = &http.Server{
		Addr:      cfg.Addr,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
		// No ReadTimeout/WriteTimeout: once hijacked, the connection's
		// lifetime is governed by the heartbeat and close handshake, not
		// net/http's per-request deadlines.
	}

	return s
}

// Start listens and serves until the context is canceled or Shutdown is
// called, then performs a graceful shutdown. It blocks until the listener
// and all connections have stopped.
func (s *Server) Start(ctx context.Context) error {
	go s.hb.run()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSConfig != nil {
			// Cert/key are already embedded in TLSConfig (e.g. via
			// GetCertificate or Certificates), so both path arguments
			// are left empty.
			err = s.http.ListenAndServeTLS("", "")
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		s.hb.close()
		s.pool.Close()
		return err
	}
}

// Serve runs the server on a caller-provided listener instead of dialing
// Addr itself, e.g. for tests that need an ephemeral port. If Config.TLSConfig
// is set, l is wrapped to terminate TLS before any handshake is read.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.TLSConfig != nil {
		l = tls.NewListener(l, s.cfg.TLSConfig)
	}

	go s.hb.run()
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	s.hb.close()
	s.pool.Close()
	return err
}

// Shutdown stops accepting new upgrades, sends GOING_AWAY to every open
// connection, and waits up to Config.ShutdownGracePeriod for their closing
// handshakes to complete before forcing the rest shut.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownErr := s.http.Shutdown(ctx)

	s.registry.Each(func(c *wsconn.Conn) {
		c.Close(wsproto.StatusGoingAway, "server shutting down")
	})

	deadline := time.After(s.cfg.ShutdownGracePeriod)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for s.registry.Len() > 0 {
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			break waitLoop
		}
	}

	if s.registry.Len() > 0 {
		s.registry.Each(func(c *wsconn.Conn) { c.AbnormalClose(nil) })
	}

	s.hb.close()
	s.pool.Close()
	return shutdownErr
}

// Broadcast sends a text or binary message to every currently connected
// client.
func (s *Server) Broadcast(opcode wsproto.Opcode, data []byte) {
	s.registry.Each(func(c *wsconn.Conn) {
		send(c, opcode, data)
	})
}

// BroadcastExcept sends to every connection except the given one, e.g. to
// relay a message to everyone but its sender.
func (s *Server) BroadcastExcept(except *wsconn.Conn, opcode wsproto.Opcode, data []byte) {
	s.registry.Each(func(c *wsconn.Conn) {
		if c == except {
			return
		}
		send(c, opcode, data)
	})
}

func send(c *wsconn.Conn, opcode wsproto.Opcode, data []byte) {
	if !c.IsOpen() {
		return
	}
	var errCh <-chan error
	if opcode == wsproto.OpcodeBinary {
		errCh = c.SendBinary(data)
	} else {
		errCh = c.SendText(data)
	}
	go func() { <-errCh }()
}

// ConnCount reports the number of currently registered connections.
func (s *Server) ConnCount() int {
	return s.registry.Len()
}
