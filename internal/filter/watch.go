package filter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 250 * time.Millisecond

// Watch reloads s from path whenever the file changes, until ctx is
// cancelled. The parent directory is watched so that editors which
// save by renaming a temp file over the original are seen. A reload
// that fails to read the file keeps the previous phrases.
func Watch(ctx context.Context, s *Set, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create blocklist watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve blocklist path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("watching blocklist", "path", abs)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("blocklist watcher error", "error", err)

		case <-timer.C:
			lines, err := readLines(abs)
			if err != nil {
				logger.Warn("blocklist reload failed, keeping previous list", "error", err)
				continue
			}
			before := s.Len()
			s.Replace(New(lines...))
			logger.Info("blocklist reloaded", "path", abs, "phrases", s.Len(), "previous", before)
		}
	}
}
