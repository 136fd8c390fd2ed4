package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"streamflix/internal/app"
	"streamflix/internal/config"
	"streamflix/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Runner holds what every command needs: configuration, the logger and
// where results are printed.
type Runner struct {
	configPath string
	config     *config.Config
	logger     *logrus.Logger
	output     io.Writer
}

func NewRunner(output io.Writer) *Runner {
	return &Runner{output: output}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		serveCommand, edgeCommand, libraryCommand, userCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

// load reads the config file and builds the logger before any command runs.
func (r *Runner) load(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	r.configPath = cmd.String("config")

	cfg, err := config.LoadConfig(r.configPath)
	if err != nil {
		return ctx, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return ctx, err
	}

	r.config = cfg
	r.logger = logger
	return ctx, nil
}

// openLibrary opens the on-device library. Callers must Close it so pending
// pushes finish before the process exits.
func (r *Runner) openLibrary(ctx context.Context) (*app.Library, error) {
	return app.Open(ctx, r.config, r.logger)
}

func (r *Runner) writeJSON(data any) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintln(r.output, string(output)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	if _, err := fmt.Fprintf(r.output, format+"\n", args...); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
