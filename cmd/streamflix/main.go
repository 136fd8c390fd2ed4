package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := NewRunner(os.Stdout)

	app := &cli.Command{
		Name:  "streamflix",
		Usage: "Offline-first library sync server, client and caching edge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "./config.toml",
				Sources: cli.EnvVars("STREAMFLIX_CONFIG"),
			},
		},
		Before:   runner.load,
		Commands: runner.register(),
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logger := runner.logger
		if logger == nil {
			logger = logrus.New()
		}
		logger.WithError(err).Fatal("streamflix failed")
	}
}
