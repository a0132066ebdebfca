package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the config file whenever it changes on disk and invokes
// onChange with the fresh config. Editors often replace rather than write
// in place, so the parent directory is watched and events are filtered by
// name. The returned stop func shuts the watcher down.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	log := logger.Named("config")
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload failed", zap.Error(err))
					continue
				}
				log.Info("config reloaded", zap.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
