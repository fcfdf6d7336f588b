package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hazz-dev/egresspool/internal/registry"
)

// Watch monitors the candidate files and calls onChange with the path and
// its freshly parsed candidates each time one is written. It runs until ctx
// is cancelled.
//
// A file that fails to open is logged and skipped; lines that fail to
// parse are logged and the valid remainder is still delivered.
func Watch(ctx context.Context, paths []string, onChange func(path string, keys []registry.Key), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch parent directories; an atomic save replaces the file's inode.
	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		clean := filepath.Clean(p)
		targets[clean] = true
		dir := filepath.Dir(clean)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	logger.Info("watching candidate files", "paths", paths)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if !targets[name] {
				continue
			}
			// A rename over the target arrives as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			keys, err := LoadFile(name)
			if err != nil {
				logger.Warn("candidate file reload had errors", "path", name, "error", err)
				if keys == nil {
					continue
				}
			}
			logger.Info("candidate file reloaded", "path", name, "candidates", len(keys))
			onChange(name, keys)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("candidate watcher error", "error", err)
		}
	}
}
