package wsclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rivermoor/wsengine/internal/logger"
	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
)

// DialOption configures a dialed Conn.
type DialOption func(*dialConfig)

type dialConfig struct {
	client         *http.Client
	headers        http.Header
	draft          wsproto.Draft
	logger         *slog.Logger
	maxMessageSize int64
	closeTimeout   time.Duration
}

// WithHTTPClient overrides the http.Client used for the opening handshake.
// Do not set a Timeout on it: that would also bound the long-lived
// connection past the handshake. Use a context deadline on Dial instead.
func WithHTTPClient(hc *http.Client) DialOption {
	return func(c *dialConfig) { c.client = hc }
}

// WithHeader adds a single header to the handshake request.
func WithHeader(key, value string) DialOption {
	return func(c *dialConfig) { c.headers.Add(key, value) }
}

// WithHeaders adds multiple headers to the handshake request.
func WithHeaders(h http.Header) DialOption {
	return func(c *dialConfig) { c.headers = h.Clone() }
}

// WithDraft selects a protocol draft other than wsproto.RFC6455.
func WithDraft(d wsproto.Draft) DialOption {
	return func(c *dialConfig) { c.draft = d }
}

// WithLogger sets the Conn's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) DialOption {
	return func(c *dialConfig) { c.logger = l }
}

// WithMaxMessageSize overrides wsconn.DefaultMaxMessageSize.
func WithMaxMessageSize(n int64) DialOption {
	return func(c *dialConfig) { c.maxMessageSize = n }
}

// WithCloseTimeout overrides wsproto.DefaultCloseTimeout.
func WithCloseTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.closeTimeout = d }
}

// Dial performs the opening handshake (RFC 6455 section 4.1) against
// rawURL ("ws://..." or "wss://...") and returns a live Conn on success.
// Use ctx to bound the handshake itself; once connected, the connection's
// lifetime is independent of ctx.
func Dial(ctx context.Context, rawURL string, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{
		client:  http.DefaultClient,
		headers: http.Header{},
		draft:   &wsproto.RFC6455{},
		logger:  logger.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	req, nonce, err := cfg.draft.BuildClientRequest(ctx, u, cfg.headers)
	if err != nil {
		return nil, fmt.Errorf("failed to build WebSocket handshake request: %w", err)
	}

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}
	if err := cfg.draft.AcceptHandshakeAsClient(resp, nonce); err != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		if len(body) > 0 {
			return nil, fmt.Errorf("%w (%s)", err, body)
		}
		return nil, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}

	c := &Conn{
		reader: make(chan Message),
		closed: make(chan struct{}),
	}
	h := &clientHandler{c: c}

	var wopts []wsconn.Option
	if cfg.maxMessageSize > 0 {
		wopts = append(wopts, wsconn.WithMaxMessageSize(cfg.maxMessageSize))
	}
	if cfg.closeTimeout > 0 {
		wopts = append(wopts, wsconn.WithCloseTimeout(cfg.closeTimeout))
	}

	c.underlying = wsconn.New(wsconn.RoleClient, cfg.draft, rwcConn{rwc}, h, cfg.logger, wopts...)
	c.underlying.Start()
	go c.decodeLoop()

	cfg.logger.Debug("websocket connection established", "url", rawURL)
	return c, nil
}
