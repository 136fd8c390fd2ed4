package worker

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// GenerationLoader reads the configured cache generation from a file.
type GenerationLoader func(path string) (string, error)

// GenerationWatcher watches the config file and calls onChange when the
// cache generation it names changes.
type GenerationWatcher struct {
	path     string
	load     GenerationLoader
	onChange func(ctx context.Context, generation string) error
	logger   *logrus.Logger
	debounce time.Duration
	current  string
}

func NewGenerationWatcher(path, current string, load GenerationLoader, onChange func(context.Context, string) error, logger *logrus.Logger) *GenerationWatcher {
	return &GenerationWatcher{
		path:     filepath.Clean(path),
		load:     load,
		onChange: onChange,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		current:  current,
	}
}

// Run blocks until ctx is done. The directory is watched rather than the
// file so editors that replace the file on save are still seen.
func (g *GenerationWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(g.path)); err != nil {
		return err
	}
	g.logger.WithField("config_path", g.path).Info("Watching config for cache generation changes")

	timer := time.NewTimer(g.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != g.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(g.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.WithError(err).Error("Config watcher error")

		case <-timer.C:
			g.reload(ctx)
		}
	}
}

func (g *GenerationWatcher) reload(ctx context.Context) {
	generation, err := g.load(g.path)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to reload config, keeping current generation")
		return
	}
	if generation == "" || generation == g.current {
		return
	}

	g.logger.WithFields(logrus.Fields{
		"from": g.current,
		"to":   generation,
	}).Info("Cache generation changed")
	if err := g.onChange(ctx, generation); err != nil {
		g.logger.WithError(err).WithField("generation", generation).Error("Failed to switch cache generation")
		return
	}
	g.current = generation
}
