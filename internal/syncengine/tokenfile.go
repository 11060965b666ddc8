package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/trackersync/internal/config"
)

// WatchTokenFile re-reads path whenever it is written, created or renamed
// into place and hands changed tokens to the engine. The parent directory is
// watched so atomic replace-by-rename (and mounted secret symlink swaps) are
// seen. It blocks until ctx is done.
func (e *Engine) WatchTokenFile(ctx context.Context, path string) error {
	return watchTokenFile(ctx, path, e.SetToken, e.logger.Warn, e.logger.Info)
}

type logFunc func(msg string, args ...any)

func watchTokenFile(ctx context.Context, path string, apply func(string), warn, info logFunc) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	current, err := config.ReadTokenFile(path)
	if err != nil {
		warn("token file unreadable, keeping current token", "path", path, "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path && !event.Has(fsnotify.Create) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			token, err := config.ReadTokenFile(path)
			if err != nil {
				// A rename-in-progress leaves the file missing briefly.
				continue
			}
			if token == current {
				continue
			}
			current = token
			apply(token)
			info("token reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				warn("token watcher overflow", "path", path)
				continue
			}
			warn("token watcher error", "path", path, "err", err)
		}
	}
}
