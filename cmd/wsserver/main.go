package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/rivermoor/wsengine/internal/logger"
	"github.com/rivermoor/wsengine/pkg/wsconn"
	"github.com/rivermoor/wsengine/pkg/wsproto"
	"github.com/rivermoor/wsengine/pkg/wsserver"
	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "wsengine"
	configFileName = "wsserver.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wsserver",
		Usage:   "standalone RFC 6455 WebSocket echo/broadcast server",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
	ctx = logger.InContext(ctx, slog.Default())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *wsserver.Server
	srv = wsserver.New(wsserver.Config{
		Addr:                cmd.String("listen-addr"),
		Path:                cmd.String("path"),
		NewHandler:          func() wsconn.Handler { return &broadcastHandler{srv: srv} },
		WorkerPoolSize:      int(cmd.Int("worker-pool-size")),
		MaxMessageSize:      cmd.Int64("max-message-size"),
		CloseTimeout:        cmd.Duration("close-timeout"),
		ShutdownGracePeriod: cmd.Duration("shutdown-grace-period"),
		Heartbeat: wsserver.HeartbeatConfig{
			Interval: cmd.Duration("heartbeat-interval"),
			Timeout:  cmd.Duration("heartbeat-timeout"),
		},
		Logger: slog.Default(),
	})

	slog.Info("websocket server listening", "addr", cmd.String("listen-addr"), "path", cmd.String("path"))
	return srv.Start(ctx)
}

// broadcastHandler relays every message it receives to every other
// connected client, a minimal demonstration of pkg/wsserver's registry.
type broadcastHandler struct {
	wsconn.NopHandler
	srv *wsserver.Server
}

func (h *broadcastHandler) OnMessage(c *wsconn.Conn, opcode wsproto.Opcode, data []byte) {
	if h.srv != nil {
		h.srv.BroadcastExcept(c, opcode, data)
		return
	}
	// No server handle wired (e.g. under test): fall back to echo.
	if opcode == wsproto.OpcodeText {
		<-c.SendText(data)
	} else {
		<-c.SendBinary(data)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{Name: "dev", Usage: "simple setup, but unsafe for production"},
		&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging, instead of JSON"},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "TCP address to listen on",
			Value: ":8080",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_LISTEN_ADDR"),
				toml.TOML("server.listen_addr", path),
			),
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "HTTP path the upgrade endpoint is served on",
			Value: "/",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_PATH"),
				toml.TOML("server.path", path),
			),
		},
		&cli.IntFlag{
			Name:  "worker-pool-size",
			Usage: "bounded worker pool size for frame processing",
			Value: 16,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_WORKER_POOL_SIZE"),
				toml.TOML("server.worker_pool_size", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-message-size",
			Usage: "maximum reassembled message size, in bytes",
			Value: wsconn.DefaultMaxMessageSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_MAX_MESSAGE_SIZE"),
				toml.TOML("server.max_message_size", path),
			),
		},
		&cli.DurationFlag{
			Name:  "close-timeout",
			Usage: "time to wait for a peer's echoed CLOSE frame",
			Value: wsproto.DefaultCloseTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_CLOSE_TIMEOUT"),
				toml.TOML("server.close_timeout", path),
			),
		},
		&cli.DurationFlag{
			Name:  "shutdown-grace-period",
			Usage: "time to wait for connections to drain during shutdown",
			Value: 5 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_SHUTDOWN_GRACE_PERIOD"),
				toml.TOML("server.shutdown_grace_period", path),
			),
		},
		&cli.DurationFlag{
			Name:  "heartbeat-interval",
			Usage: "how often to scan for idle connections",
			Value: 15 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_HEARTBEAT_INTERVAL"),
				toml.TOML("server.heartbeat_interval", path),
			),
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "how long a connection may idle before a PING is sent",
			Value: 30 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_HEARTBEAT_TIMEOUT"),
				toml.TOML("server.heartbeat_timeout", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file, creating an
// empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the process-wide slog default logger.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true})
	}
	slog.SetDefault(slog.New(handler))
}
