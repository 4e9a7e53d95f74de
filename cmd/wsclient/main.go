package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/rivermoor/wsengine/internal/logger"
	"github.com/rivermoor/wsengine/pkg/wsclient"
	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "wsengine"
	configFileName = "wsclient.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wsclient",
		Usage:   "dial a WebSocket server and relay stdin/stdout as text messages",
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

	url := cmd.String("url")
	if url == "" {
		return fmt.Errorf("missing required flag: --url")
	}

	dialCtx, cancel := context.WithTimeout(ctx, cmd.Duration("connect-timeout"))
	defer cancel()

	conn, err := wsclient.Dial(dialCtx, url, wsclient.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close(1000, "client exiting")

	go printIncoming(conn)
	return sendFromStdin(conn)
}

func printIncoming(conn *wsclient.Conn) {
	for msg := range conn.IncomingMessages() {
		fmt.Printf("< %s\n", msg.Data)
	}
}

func sendFromStdin(conn *wsclient.Conn) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := <-conn.SendText(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{Name: "dev", Usage: "simple setup, but unsafe for production"},
		&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging, instead of JSON"},
		&cli.StringFlag{
			Name:  "url",
			Usage: "WebSocket server URL to connect to (ws:// or wss://)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_URL"),
				toml.TOML("client.url", path),
			),
		},
		&cli.DurationFlag{
			Name:  "connect-timeout",
			Usage: "time to wait for the opening handshake to complete",
			Value: 10 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_CONNECT_TIMEOUT"),
				toml.TOML("client.connect_timeout", path),
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
