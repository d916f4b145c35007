package trigger

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/pressync/internal/corpus"
)

// newWatcher watches every non-hidden directory below dirs
func newWatcher(dirs []string, logger *slog.Logger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, dir := range dirs {
		if err := addTree(w, dir); err != nil {
			_ = w.Close()
			return nil, err
		}
		logger.Info("watching corpus", "dir", dir)
	}
	return w, nil
}

// addTree adds root and its non-hidden subdirectories to w
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// watchLoop schedules a sync for every relevant corpus change
func (s *Server) watchLoop(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("corpus watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if s.relevant(w, ev) {
				s.logger.Debug("corpus changed", "path", ev.Name, "op", ev.Op.String())
				s.schedule()
			}
		}
	}
}

// relevant reports whether ev can change the classification of a corpus.
// New directories are added to the watcher.
func (s *Server) relevant(w *fsnotify.Watcher, ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)
	if isHidden(name) || ev.Op == fsnotify.Chmod {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addTree(w, ev.Name); err != nil {
				s.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return true
		}
	}

	// A removed or renamed directory looks like any other path here.
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return true
	}
	return corpus.IsMarkdownFile(name)
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
