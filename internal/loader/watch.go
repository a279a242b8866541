package loader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jcdickinson/implindex/internal/fragment"
)

const defaultDebounce = 250 * time.Millisecond

// Watch watches a doc root and re-delivers every fragment script that is
// created or rewritten below it. Writes to the same path within debounce are
// coalesced. Watch blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, root string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return err
	}
	slog.Info("watching doc root", "root", root)
	if l.Armed != nil {
		l.Armed()
	}

	// path -> time of the last event seen for it
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						slog.Warn("watching new directory failed", "path", ev.Name, "error", err)
					}
					l.queueTree(ev.Name, pending)
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if fragment.IsFragmentPath(ev.Name) {
				pending[ev.Name] = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)

		case now := <-ticker.C:
			for p, seen := range pending {
				if now.Sub(seen) < debounce {
					continue
				}
				delete(pending, p)
				l.reload(ctx, p)
			}
		}
	}
}

// queueTree schedules every fragment already present under a directory that
// appeared after the watch started (rustdoc writes whole trees at once).
func (l *Loader) queueTree(dir string, pending map[string]time.Time) {
	now := time.Now()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && fragment.IsFragmentPath(p) {
			pending[p] = now
		}
		return nil
	})
}

func (l *Loader) reload(ctx context.Context, p string) {
	frags, err := l.fileJob(p, "", "watch:"+p).run(ctx)
	if err != nil {
		slog.Warn("omitting fragment", "path", p, "error", err)
		l.progress("omitted %s: %v", p, err)
		return
	}
	for _, f := range frags {
		l.sink.Register(f)
	}
	l.progress("reloaded %s", p)
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}
