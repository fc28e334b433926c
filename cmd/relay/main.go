package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kargo-relay",
		Usage: "Relay pending OTP and notification records from the database to WhatsApp",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "link",
				Aliases: []string{"qr"},
				Usage:   "first run: show the pairing QR code, link this device and exit",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("link") {
				return link(c.Context)
			}
			return run(c.Context)
		},
		Commands: []*cli.Command{runCmd, linkCmd},
	}
}
