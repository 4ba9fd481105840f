package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"edgerelay/internal/logging"
)

const defaultDebounce = 100 * time.Millisecond

var ErrClosed = errors.New("watcher closed")

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	instance := &Watcher{
		watcher:   source,
		callbacks: make(map[string][]func(Event)),
		dirs:      make(map[string]int),
		debouncer: newDebouncer(debounce),
		done:      make(chan struct{}),
		logger:    logger.With(map[string]string{"component": "watcher"}),
	}
	go instance.run()
	return instance, nil
}

// Watch registers callback for changes to the file at path. The returned
// function removes the registration.
func (watcher *Watcher) Watch(path string, callback func(Event)) (func(), error) {
	if callback == nil {
		return nil, fmt.Errorf("watch %s: callback is required", path)
	}
	path = cleanPath(path)
	dir := filepath.Dir(path)

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return nil, ErrClosed
	}
	if watcher.dirs[dir] == 0 {
		if err := watcher.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	watcher.dirs[dir]++
	watcher.callbacks[path] = append(watcher.callbacks[path], callback)
	index := len(watcher.callbacks[path]) - 1
	watcher.logger.Debug("watching file", map[string]string{"path": path})

	var removed bool
	return func() {
		watcher.mutex.Lock()
		defer watcher.mutex.Unlock()
		if removed || watcher.closed {
			return
		}
		removed = true
		callbacks := watcher.callbacks[path]
		if index < len(callbacks) {
			callbacks[index] = func(Event) {}
		}
		watcher.dirs[dir]--
		if watcher.dirs[dir] == 0 {
			delete(watcher.dirs, dir)
			delete(watcher.callbacks, path)
			_ = watcher.watcher.Remove(dir)
		}
	}, nil
}

// Close shuts down the watcher and stops event processing.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.debouncer.stop()
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.watcher.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			watcher.handleEvent(event)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.logger.Warn("file watch error", map[string]string{"error": err.Error()})
		case <-watcher.done:
			return
		}
	}
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
