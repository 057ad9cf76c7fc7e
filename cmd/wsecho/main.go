// The wsecho program is a small example binary built on top of the
// websocket package: it either serves an echo endpoint or dials one and
// sends a single message, to exercise both the Server and Client façades.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/wsforge/wsforge/pkg/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:    "wsecho",
		Usage:   "serve or dial a WebSocket echo endpoint",
		Version: "0.1.0",
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags assembles every wsecho flag into one list; serve and dial each
// read only the subset relevant to their own mode.
func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "mode", Value: "serve", Usage: `"serve" or "dial"`},
		&cli.StringFlag{Name: "address", Value: "127.0.0.1"},
		&cli.IntFlag{Name: "port", Value: 8080},
		&cli.StringFlag{Name: "endpoint", Value: "/"},
		&cli.StringFlag{Name: "message", Value: "hello"},
		&cli.BoolFlag{Name: "verbose"},
	}
}

func newLogger(cmd *cli.Command) zerolog.Logger {
	level := zerolog.InfoLevel
	if cmd.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func run(ctx context.Context, cmd *cli.Command) error {
	switch mode := cmd.String("mode"); mode {
	case "serve":
		return runServe(cmd)
	case "dial":
		return runDial(cmd)
	default:
		return fmt.Errorf("wsecho: unknown mode %q, want \"serve\" or \"dial\"", mode)
	}
}

func runServe(cmd *cli.Command) error {
	log := newLogger(cmd)

	srv, err := websocket.OpenServer(websocket.ServerOptions{
		Address: cmd.String("address"),
		Port:    int(cmd.Int("port")),
		Logger:  log,
		Callback: websocket.Callbacks{
			OnOpen: func(c *websocket.Connection, _ any) any {
				log.Info().Str("remote", c.RemoteAddr().String()).Msg("connection opened")
				return nil
			},
			OnMessage: func(c *websocket.Connection, _ any, dt websocket.DataType, data []byte) {
				log.Info().Stringer("type", dt).Int("bytes", len(data)).Msg("echoing message")
				if err := c.Send(dt, data); err != nil {
					log.Warn().Err(err).Msg("failed to echo message")
				}
			},
			OnClose: func(c *websocket.Connection, _ any, info websocket.CloseInfo) {
				log.Info().Str("remote", c.RemoteAddr().String()).Stringer("code", info.Code).Msg("connection closed")
			},
		},
	})
	if err != nil {
		return err
	}
	log.Info().Int("port", int(cmd.Int("port"))).Msg("listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	return srv.Close()
}

func runDial(cmd *cli.Command) error {
	log := newLogger(cmd)
	received := make(chan []byte, 1)

	client, err := websocket.OpenClient(websocket.ClientOptions{
		Address:  cmd.String("address"),
		Port:     int(cmd.Int("port")),
		Endpoint: cmd.String("endpoint"),
		Logger:   log,
		Callback: websocket.Callbacks{
			OnMessage: func(_ *websocket.Connection, _ any, _ websocket.DataType, data []byte) {
				received <- data
			},
			OnClose: func(_ *websocket.Connection, _ any, info websocket.CloseInfo) {
				log.Info().Stringer("code", info.Code).Msg("connection closed")
			},
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connection().Send(websocket.Text, []byte(cmd.String("message"))); err != nil {
		return err
	}

	select {
	case data := <-received:
		fmt.Println(string(data))
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for echo reply")
	}
	return nil
}
