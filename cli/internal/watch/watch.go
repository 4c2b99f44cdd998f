// Package watch re-runs a callback whenever a watched query file changes.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 500 * time.Millisecond

// Watcher watches a single file and invokes a callback after writes,
// debounced so editors that write in bursts trigger one run.
type Watcher struct {
	file     string
	callback func() error
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// New builds a watcher over file. The containing directory is watched so
// rename-and-replace saves are still observed.
func New(file string, callback func() error) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{file: abs, callback: callback, watcher: fw, done: make(chan struct{})}, nil
}

// Start runs the callback once, then keeps re-running it on changes until
// Stop is called.
func (w *Watcher) Start() error {
	if err := w.callback(); err != nil {
		return err
	}

	go func() {
		timer := time.NewTimer(debounce)
		timer.Stop()
		var fire <-chan time.Time

		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if abs, err := filepath.Abs(event.Name); err == nil && abs == w.file {
					timer.Reset(debounce)
					fire = timer.C
				}

			case <-fire:
				if err := w.callback(); err != nil {
					fmt.Fprintf(os.Stderr, "watch run failed: %v\n", err)
				}
				fire = nil

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)

			case <-w.done:
				return
			}
		}
	}()
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
