package skills

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-runs Loader.Reload whenever a SKILL.md file (or one of its
// parent directories) changes under any of the loader's precedence roots.
// Events are debounced so a burst of writes triggers a single reload.
type Watcher struct {
	fsw   *fsnotify.Watcher
	close chan struct{}
	done  chan struct{}
}

// NewWatcher watches every existing root returned by loader.Roots() and
// calls loader.Reload() (logging failures, never fatal) on change, debounced
// by 300ms. Missing roots are skipped — skills.Loader re-discovers them on
// the next reload once they're created.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, root := range loader.Roots() {
		if root == "" {
			continue
		}
		if err := fsw.Add(root); err != nil {
			slog.Debug("skills watcher: skipping root", "root", root, "error", err)
			continue
		}
	}

	w := &Watcher{fsw: fsw, close: make(chan struct{}), done: make(chan struct{})}
	go w.run(loader)
	return w, nil
}

func (w *Watcher) run(loader *Loader) {
	defer close(w.done)

	var debounce *time.Timer
	reload := func() {
		if err := loader.Reload(); err != nil {
			slog.Warn("skills watcher: reload failed", "error", err)
		} else {
			slog.Debug("skills watcher: reloaded", "count", len(loader.ListSkills()))
		}
	}

	for {
		select {
		case <-w.close:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Debug("skills watcher: fsnotify error", "error", err)
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, reload)
		}
	}
}

// Close stops the watcher and releases its filesystem handles.
func (w *Watcher) Close() error {
	close(w.close)
	<-w.done
	return w.fsw.Close()
}
