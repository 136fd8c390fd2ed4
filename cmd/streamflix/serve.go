package main

import (
	"context"
	"fmt"

	"streamflix/internal/auth"
	"streamflix/internal/database"
	"streamflix/internal/server"

	"github.com/urfave/cli/v3"
)

// Serve runs the library server until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if port := cmd.String("port"); port != "" {
		r.config.Server.Port = port
	}

	backend := "sqlite"
	if r.config.IsPostgres() {
		backend = "postgres"
	}
	r.logger.WithField("backend", backend).Info("Opening library database")

	db, err := database.NewDatabase(r.config.Database.DSN, r.config.Database.MaxConnections, r.logger)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	defer db.Close()

	authService, err := auth.NewService(&r.config.Auth, r.logger)
	if err != nil {
		return fmt.Errorf("error initializing authentication: %w", err)
	}

	libraryServer, err := server.NewLibraryServer(r.config, db, authService, r.logger)
	if err != nil {
		return fmt.Errorf("error creating library server: %w", err)
	}
	return libraryServer.Start(ctx)
}

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the library server (remote library store and accounts)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "Override server.port",
			},
		},
		Action: r.Serve,
	}
}
