package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher monitors a single configuration file and invokes the supplied
// callback whenever it changes. Stop must be called to release filesystem
// resources.
type FileWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *FileWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchAccessList loads the access list once, hands it to onChange, then
// reloads it whenever the file is written, replaced or recreated. Reload
// failures go to onError and leave the last applied list in place.
func WatchAccessList(ctx context.Context, path string, onChange func(AccessList), onError func(error)) (*FileWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch access list requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no access list file configured for watching")
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve access list file: %w", err)
	}
	target := filepath.Clean(resolved)

	list, err := LoadAccessList(target)
	if err != nil {
		return nil, err
	}
	onChange(list)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch access list: %w", err)
	}
	// Watch the directory so editors that replace the file via rename keep
	// triggering events.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &FileWatcher{cancel: cancel, done: done}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch access list close: %w", err))
			}
		}()

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				list, err := LoadAccessList(target)
				if err != nil {
					report(err)
					continue
				}
				onChange(list)
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					report(fmt.Errorf("config: access list file %s removed", target))
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return w, nil
}
