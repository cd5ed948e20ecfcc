// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce absorbs the burst of events editors emit for one
// logical save.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// hands each validated result to the callback. An edit that fails
// validation is logged and skipped, leaving the previous configuration
// in force.
type Watcher struct {
	path     string
	onReload func(*Config)
	log      *logrus.Entry

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher starts watching path. The callback runs on the watcher
// goroutine; it should hand off rather than block.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config: watcher needs a file path")
	}
	if onReload == nil {
		return nil, fmt.Errorf("config: watcher needs a reload callback")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	// Watch the directory, not the file: editors save by renaming a
	// temp file over the target, which silently kills a file watch.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		log:      logrus.WithField("component", "config"),
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	w.log.WithField("path", w.path).Info("configuration reloaded")
	w.onReload(cfg)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
	return nil
}
