package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invokes a callback when a watched file is rewritten. The gate
// uses it to hot-reload its pattern table without a restart.
//
// The parent directory is watched rather than the file itself: editors and
// atomic writers replace the file by rename, which drops a direct watch.
type Watcher struct {
	fw   *fsnotify.Watcher
	log  *zap.Logger
	done chan struct{}
}

// Watch starts watching path and calls onChange after every write or
// rename-in of that file. Callback errors are logged, not fatal; the last
// good state stays in effect.
func Watch(path string, onChange func(path string) error, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{fw: fw, log: log.Named("watch"), done: make(chan struct{})}
	go w.loop(abs, onChange)
	return w, nil
}

func (w *Watcher) loop(abs string, onChange func(path string) error) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := onChange(abs); err != nil {
				w.log.Warn("reload failed, keeping previous state",
					zap.String("path", abs), zap.Error(err))
				continue
			}
			w.log.Info("reloaded", zap.String("path", abs))
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
