package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads path whenever it changes on disk and invokes onReload
// with the freshly loaded Config. Only the mutable subset of settings
// (poll interval, verification round cap, agent path) is meant to be
// applied live by callers; in-flight tasks are never interrupted.
// Returns once ctx is cancelled.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onReload func(Config)) error {
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("watch config file")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("reload config after change")
				continue
			}
			logger.Info().Str("path", path).Msg("config reloaded")
			onReload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
