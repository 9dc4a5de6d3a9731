package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors and Save produce into a
// single reload.
const debounceWindow = time.Second

// Watcher reloads the config file on change and propagates the new snapshot
// in place, so components holding the *Config pointer see updates without
// restarting.
type Watcher struct {
	path    string
	cfg     *Config
	log     *slog.Logger
	onApply []func(*Config)
}

// NewWatcher builds a watcher that keeps cfg in sync with the file at path.
func NewWatcher(path string, cfg *Config, log *slog.Logger) *Watcher {
	return &Watcher{path: path, cfg: cfg, log: log}
}

// OnApply registers a callback invoked after every successful reload.
// Must be called before Run.
func (w *Watcher) OnApply(fn func(*Config)) {
	w.onApply = append(w.onApply, fn)
}

// Run watches until the context is cancelled. Watching the parent directory
// survives the rename-then-write pattern editors and atomic savers use.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Info("config watcher started", "path", w.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

// reload parses and validates the file. On any failure the previous snapshot
// stays live.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected, keeping previous snapshot", "error", err)
		return
	}
	w.cfg.ReplaceFrom(next)
	w.log.Info("config reloaded", "tokens", len(next.Tokens))
	for _, fn := range w.onApply {
		fn(w.cfg)
	}
}
