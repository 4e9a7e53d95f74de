package wsclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rivermoor/wsengine/internal/logger"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

var clients sync.Map

// URLFunc resolves the address to dial, called again on every reconnect
// (e.g. to fetch a fresh signed URL or rotate credentials).
type URLFunc func(ctx context.Context) (string, error)

// Client is a long-running wrapper around a single logical connection to a
// WebSocket server. When the underlying Conn disconnects, Client
// automatically dials a replacement and switches to it, so a caller ranging
// over IncomingMessages sees a continuous stream across reconnects instead
// of having to notice disconnection and redial itself.
type Client struct {
	logger *slog.Logger
	url    URLFunc
	opts   []DialOption

	mu    sync.Mutex
	conns [2]*Conn // conns[0] is active; conns[1] is a pre-dialed standby for RefreshConnectionIn.

	outMsgs chan Message

	refresh *time.Timer
}

// NewOrCachedClient dials a new Client for id, or returns the one already
// cached under it. id is typically derived from server identity and
// credentials, so that repeated calls for the same logical destination
// share one long-lived connection instead of multiplying sockets.
func NewOrCachedClient(ctx context.Context, url URLFunc, id string, opts ...DialOption) (*Client, error) {
	key := hashID(id)
	if v, ok := clients.Load(key); ok {
		return v.(*Client), nil
	}

	ctx = logger.With(ctx, "client_id", key)
	c, err := newClient(ctx, url, opts...)
	if err != nil {
		return nil, err
	}

	actual, loaded := clients.LoadOrStore(key, c)
	if loaded {
		// Another goroutine stored one first; drop ours.
		c.conns[0].Close(wsproto.StatusGoingAway, "superseded by concurrent dial")
	} else {
		go actual.(*Client).relayMessages(ctx)
	}
	return actual.(*Client), nil
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func newClient(ctx context.Context, f URLFunc, opts ...DialOption) (*Client, error) {
	conn, err := dialFrom(ctx, f, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		logger:  logger.FromContext(ctx),
		url:     f,
		opts:    opts,
		conns:   [2]*Conn{conn},
		outMsgs: make(chan Message),
	}, nil
}

func dialFrom(ctx context.Context, f URLFunc, opts ...DialOption) (*Conn, error) {
	u, err := f(ctx)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, u, opts...)
}

// IncomingMessages returns the channel publishing messages from whichever
// Conn is currently active, transparently across reconnects.
func (c *Client) IncomingMessages() <-chan Message {
	return c.outMsgs
}

// relayMessages runs as the Client's background goroutine, forwarding the
// active Conn's messages and replacing it with a fresh one once it's done.
func (c *Client) relayMessages(ctx context.Context) {
	for {
		c.mu.Lock()
		active := c.conns[0]
		c.mu.Unlock()

		msg, ok := <-active.IncomingMessages()
		if ok {
			c.outMsgs <- msg
			continue
		}
		c.replaceConn(ctx)
	}
}

// replaceConn switches to the pre-dialed standby connection if
// RefreshConnectionIn already prepared one, or else dials a fresh
// connection with unbounded retries (the server being temporarily
// unreachable is not a reason to give up on a long-running client).
func (c *Client) replaceConn(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns[1] != nil {
		c.conns[0] = c.conns[1]
		c.conns[1] = nil
		return
	}

	for attempt := 0; ; attempt++ {
		conn, err := dialFrom(ctx, c.url, c.opts...)
		if err == nil {
			c.conns[0] = conn
			return
		}
		c.logger.Error("failed to redial websocket connection", "error", err, "attempt", attempt)
	}
}

// RefreshConnectionIn dials a replacement connection after d and switches to
// it seamlessly, closing the old one only once the new one is ready. Use
// this to rotate connections ahead of a known server-side disconnection
// window instead of waiting for it to surprise the client.
func (c *Client) RefreshConnectionIn(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	if c.refresh != nil {
		c.refresh.Stop()
	}
	c.mu.Unlock()

	c.refresh = time.AfterFunc(d, func() {
		conn, err := dialFrom(ctx, c.url, c.opts...)
		if err != nil {
			c.logger.Error("failed to refresh websocket connection", "error", err)
			return
		}

		c.mu.Lock()
		c.conns[1] = conn
		old := c.conns[0]
		c.mu.Unlock()

		old.Close(wsproto.StatusGoingAway, "connection refreshed")
	})
}

// SendJSON marshals v and sends it as a text message on the active
// connection.
func (c *Client) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	active := c.conns[0]
	c.mu.Unlock()

	return <-active.SendText(b)
}
