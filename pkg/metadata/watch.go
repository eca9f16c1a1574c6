package metadata

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldops/fieldops/pkg/observability"
)

// Watch reloads the registry file at path whenever it is written or replaced and
// hands every result to onLoad, until ctx is cancelled. onLoad receives the
// initial load before Watch starts waiting. A failed reload is reported through
// onLoad with a nil registry; the previous registry stays with the caller.
//
// The parent directory is watched so that editors which save by renaming a
// temporary file over path are picked up.
func Watch(ctx context.Context, path string, logger *observability.Logger, onLoad func(*Registry, error)) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve metadata path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	onLoad(LoadFile(abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.WithField("path", abs).Debugf("Metadata registry changed (%s)", event.Op)
			onLoad(LoadFile(abs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Metadata watcher error")
		}
	}
}
