package wsserver

import (
	"errors"
	"time"

	"github.com/rivermoor/wsengine/pkg/wsconn"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout: no pong received")

// HeartbeatConfig controls idle-connection probing.
type HeartbeatConfig struct {
	// Interval is how often the server scans connections for idleness.
	Interval time.Duration

	// Timeout is how long a connection may go without receiving any frame
	// before it's sent an unsolicited PING. If it has still received no
	// frame by the next scan (one Interval later), the connection is
	// abnormally closed.
	Timeout time.Duration
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

type heartbeat struct {
	cfg      HeartbeatConfig
	registry Registry
	stop     chan struct{}
}

func newHeartbeat(cfg HeartbeatConfig, registry Registry) *heartbeat {
	return &heartbeat{cfg: cfg.withDefaults(), registry: registry, stop: make(chan struct{})}
}

func (h *heartbeat) run() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stop:
			return
		}
	}
}

func (h *heartbeat) sweep() {
	now := time.Now()
	h.registry.Each(func(c *wsconn.Conn) {
		if !c.IsOpen() || now.Sub(c.LastFrameAt()) < h.cfg.Timeout {
			return
		}

		if c.PongPending() {
			c.AbnormalClose(errHeartbeatTimeout)
			return
		}

		c.SetPongPending(true)
		errCh := c.SendPing(nil)
		go func() { <-errCh }()
	})
}

func (h *heartbeat) close() {
	close(h.stop)
}
