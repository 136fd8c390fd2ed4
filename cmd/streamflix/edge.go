package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"streamflix/internal/cache"
	"streamflix/internal/config"
	"streamflix/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Edge runs the caching reverse proxy in front of the web app. The worker
// for the configured generation is installed and activated before the
// listener starts; a changed generation in the config file is rolled out
// while serving.
func (r *Runner) Edge(ctx context.Context, cmd *cli.Command) error {
	cfg := r.config.Cache
	if listen := cmd.String("listen"); listen != "" {
		cfg.Listen = listen
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid cache.upstream: %w", err)
	}

	var storage cache.Storage
	if cfg.StoragePath == "" || cmd.Bool("memory") {
		storage = cache.NewMemoryStorage()
	} else {
		boltStorage, err := cache.OpenBoltStorage(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer boltStorage.Close()
		storage = boltStorage
	}

	fetcher := worker.NewHTTPFetcher(time.Duration(cfg.FetchTimeout) * time.Second)
	registry := worker.NewRegistry(upstream, r.logger)

	deploy := func(ctx context.Context, generation string) error {
		w := worker.NewWorker(generation, storage, fetcher, worker.Options{
			Router: worker.RouterOptions{
				Origin:           upstream,
				ShellPath:        cfg.ShellPath,
				RefreshShell:     cfg.RefreshShell,
				StaticExtensions: cfg.StaticExtensions,
			},
			Precache:        cfg.Precache,
			PrecacheWorkers: cfg.PrecacheWorkers,
		}, r.logger)
		return registry.Register(ctx, w)
	}

	if err := deploy(ctx, cfg.Generation); err != nil {
		return err
	}

	if cfg.WatchConfig {
		watcher := worker.NewGenerationWatcher(r.configPath, cfg.Generation, config.ReadGeneration, deploy, r.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				r.logger.WithError(err).Warn("Config watcher stopped")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: registry}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	r.logger.WithFields(logrus.Fields{
		"listen":     cfg.Listen,
		"upstream":   upstream.String(),
		"generation": cfg.Generation,
	}).Info("Offline edge listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("edge failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	registry.Wait()
	return err
}

func edgeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "edge",
		Usage: "Run the offline caching proxy in front of the web app",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override cache.listen",
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "Keep cache generations in memory instead of cache.storage_path",
			},
		},
		Action: r.Edge,
	}
}
