// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config, error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching path and calls onChange with the reloaded config
// (or the load error) after each debounced change. The parent directory is
// watched so that atomic rename-over saves are seen.
func Watch(path string, onChange func(*Config, error)) (*Watcher, error) {
	return WatchWithDebounce(path, DefaultWatchDebounce, onChange)
}

// WatchWithDebounce is Watch with an explicit debounce window.
func WatchWithDebounce(path string, debounce time.Duration, onChange func(*Config, error)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{
		path:     absPath,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onChange(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	cfg, err := LoadFromPath(w.path)
	w.onChange(cfg, err)
}

// Close stops the watcher. Pending reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
