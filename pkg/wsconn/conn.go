package wsconn

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/rivermoor/wsengine/internal/bufpool"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// DefaultMaxMessageSize bounds a single reassembled application message.
// An oversized message fails the connection with close code 1009; the error
// passed to OnError is a *wsproto.ProtocolError, not a PolicyError.
const DefaultMaxMessageSize = 16 << 20 // 16 MiB.

// RCVBUF sizes the per-connection bufio.Reader that DecodeFrame reads from.
// bufio.Reader already accumulates partial frames across reads and only
// blocks for more when a frame's bytes aren't all present yet, which is the
// idiomatic Go equivalent of a decode loop that re-presents a staging
// buffer on each read.
const RCVBUF = 16 << 10

type outboundJob struct {
	frames []wsproto.Frame
	errCh  chan<- error
}

// Conn is the per-socket WebSocket state machine: ready state, the message
// reassembly buffer, the outbound FIFO queue, the draft in use, and close
// bookkeeping.
type Conn struct {
	ID     string
	Role   Role
	Draft  wsproto.Draft
	Logger *slog.Logger

	// Handshake is the HTTP request (server role) used to open this
	// connection, retained for inspection from OnOpen (e.g. to read
	// the negotiated path or custom headers).
	Handshake *http.Request

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	bwMu    sync.Mutex

	handler Handler

	maxMessageSize int64

	state atomic.Int32

	// Mutated only by the single goroutine that calls ReadAndHandleFrame
	// for this connection at any given time (the reactor/driver serializes
	// that call), so these need no lock of their own.
	reassembling  bool
	reassembleOp  wsproto.Opcode
	reassembleBuf []byte
	bufPool       *bufpool.Pool

	out         chan outboundJob
	closeOutOnce sync.Once
	finalizeOnce sync.Once

	closeMu        sync.Mutex
	closeSent      bool
	closeReceived  bool
	closeCode      wsproto.StatusCode
	closeReason    string
	closeInitiator CloseInitiator
	closeTimer     *time.Timer
	closeTimeout   time.Duration

	// Heartbeat bookkeeping: touched by the heartbeat ticker goroutine as
	// well as the reader, so it's atomic.
	lastFrameAtNano atomic.Int64
	pongPending     atomic.Bool

	writerDone chan struct{}
}

// Option configures a Conn at construction time.
type Option func(*Conn)

func WithMaxMessageSize(n int64) Option {
	return func(c *Conn) { c.maxMessageSize = n }
}

func WithCloseTimeout(d time.Duration) Option {
	return func(c *Conn) { c.closeTimeout = d }
}

func WithHandshake(req *http.Request) Option {
	return func(c *Conn) { c.Handshake = req }
}

// WithBufPool supplies a shared free-list for reassembly-buffer backing
// arrays. Without one, each message reassembly allocates and discards its
// own slice; with one, the backing array is returned for reuse once its
// contents have been copied out to the Handler. Sized per size class — a
// server typically keeps one per expected-message-size tier.
func WithBufPool(p *bufpool.Pool) Option {
	return func(c *Conn) { c.bufPool = p }
}

// New constructs a Conn in NotYetConnected state. Call Start once the
// opening handshake has succeeded.
func New(role Role, draft wsproto.Draft, netConn net.Conn, handler Handler, logger *slog.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		ID:             shortuuid.New(),
		Role:           role,
		Draft:          draft,
		Logger:         logger,
		netConn:        netConn,
		br:             bufio.NewReaderSize(netConn, RCVBUF),
		bw:             bufio.NewWriterSize(netConn, RCVBUF),
		handler:        handler,
		maxMessageSize: DefaultMaxMessageSize,
		closeTimeout:   wsproto.DefaultCloseTimeout,
		out:            make(chan outboundJob, 16),
		writerDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(NotYetConnected))
	c.lastFrameAtNano.Store(time.Now().UnixNano())
	return c
}

// ReadyState returns the connection's current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

func (c *Conn) IsOpen() bool {
	return c.ReadyState() == Open
}

// Start transitions NotYetConnected -> Open, fires OnOpen, and starts the
// writer goroutine that drains the outbound queue in FIFO order.
func (c *Conn) Start() {
	c.state.Store(int32(Open))
	go c.runWriter()
	c.handler.OnOpen(c)
}

// FailHandshake transitions NotYetConnected -> Closed without ever opening:
// OnError then OnClose(remote=false) fire, and the writer goroutine never
// runs.
func (c *Conn) FailHandshake(err error) {
	c.handler.OnError(c, err)
	_ = c.netConn.Close()
	c.state.Store(int32(Closed))
	c.handler.OnClose(c, wsproto.StatusAbnormalClose, "", false)
}

// touchLastFrame resets the heartbeat "nothing received" clock; called once
// per decoded frame, of any opcode.
func (c *Conn) touchLastFrame() {
	c.lastFrameAtNano.Store(time.Now().UnixNano())
	c.pongPending.Store(false)
}

// LastFrameAt reports when the most recent frame (of any kind) was
// received, for heartbeat idle detection.
func (c *Conn) LastFrameAt() time.Time {
	return time.Unix(0, c.lastFrameAtNano.Load())
}

// SetPongPending and PongPending track whether a PING is outstanding
// without a reply, for the heartbeat's timeout check.
func (c *Conn) SetPongPending(v bool) { c.pongPending.Store(v) }
func (c *Conn) PongPending() bool     { return c.pongPending.Load() }

// NetConn exposes the underlying socket, e.g. for TLS session inspection.
func (c *Conn) NetConn() net.Conn { return c.netConn }

func (c *Conn) isMaskedOutbound() bool {
	return c.Role == RoleClient
}

// send enqueues frames for the writer goroutine and returns a channel that
// receives the (possibly nil) write error. It is a UsageError to send on a
// connection that is not Open — sends issued after a CLOSE has been
// enqueued are rejected.
func (c *Conn) send(frames []wsproto.Frame) <-chan error {
	errCh := make(chan error, 1)
	if c.ReadyState() != Open {
		errCh <- wsproto.NewUsageError(fmt.Sprintf("cannot send: connection is %s", c.ReadyState()))
		return errCh
	}

	select {
	case c.out <- outboundJob{frames: frames, errCh: errCh}:
	case <-c.writerDone:
		errCh <- wsproto.NewUsageError("cannot send: connection is closed")
	}
	return errCh
}

// SendText sends a UTF-8 text message, split into frames by the Draft.
func (c *Conn) SendText(data []byte) <-chan error {
	return c.send(c.Draft.CreateFrames(wsproto.OpcodeText, data, c.isMaskedOutbound()))
}

// SendBinary sends a binary message, split into frames by the Draft.
func (c *Conn) SendBinary(data []byte) <-chan error {
	return c.send(c.Draft.CreateFrames(wsproto.OpcodeBinary, data, c.isMaskedOutbound()))
}

// SendPing sends an unsolicited PING control frame (used by the heartbeat).
func (c *Conn) SendPing(data []byte) <-chan error {
	return c.send([]wsproto.Frame{{Fin: true, Opcode: wsproto.OpcodePing, Masked: c.isMaskedOutbound(), Payload: data}})
}

func (c *Conn) sendPong(data []byte) <-chan error {
	return c.send([]wsproto.Frame{{Fin: true, Opcode: wsproto.OpcodePong, Masked: c.isMaskedOutbound(), Payload: data}})
}

// runWriter drains the outbound FIFO in enqueue order, writing each job's
// frames and flushing once per job. It is the single writer for this
// connection. It exits — and finalizes the connection to Closed — once the
// queue is closed and drained, or on the first write error.
func (c *Conn) runWriter() {
	defer c.finalizeClosed()

	for job := range c.out {
		err := c.writeJob(job)
		if job.errCh != nil {
			job.errCh <- err
			close(job.errCh)
		}
		if err != nil {
			c.handler.OnError(c, wsproto.NewIOError(err))
			return
		}
	}
}

func (c *Conn) writeJob(job outboundJob) error {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	for _, f := range job.frames {
		if err := wsproto.EncodeFrame(c.bw, f.Opcode, f.Payload, f.Fin, f.Masked); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// finalizeClosed is the single owner of underlying-socket lifecycle: it
// closes the net.Conn exactly once and fires OnClose exactly once,
// regardless of which path (normal close handshake, I/O error, or close
// deadline) got us here.
func (c *Conn) finalizeClosed() {
	c.finalizeOnce.Do(func() {
		close(c.writerDone)
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		_ = c.netConn.Close()
		c.state.Store(int32(Closed))

		c.closeMu.Lock()
		code, reason, initiator := c.closeCode, c.closeReason, c.closeInitiator
		c.closeMu.Unlock()

		if initiator == InitiatorNone {
			code = wsproto.StatusAbnormalClose
		}
		c.handler.OnClose(c, code, reason, initiator.Remote())
	})
}

// AbnormalClose forces the connection to Closed with code 1006, for I/O
// errors and heartbeat timeouts.
func (c *Conn) AbnormalClose(cause error) {
	if c.ReadyState() == Closed {
		return
	}
	if cause != nil {
		c.handler.OnError(c, wsproto.NewIOError(cause))
	}

	c.closeMu.Lock()
	if c.closeInitiator == InitiatorNone {
		c.closeCode = wsproto.StatusAbnormalClose
	}
	c.closeMu.Unlock()

	c.state.Store(int32(Closed))
	c.closeOutOnce.Do(func() { close(c.out) })
}

var errConnectionClosed = errors.New("websocket connection closed")
