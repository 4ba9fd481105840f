package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// configOps are the changes that can leave new content at a watched path.
// Editors that save by rename show up as Create or Rename on the target.
const configOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// burst collects the changes to one file until it has been quiet for the
// debounce window.
type burst struct {
	timer *time.Timer
	ops   fsnotify.Op
}

type debouncer struct {
	window time.Duration
	bursts map[string]*burst
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, bursts: make(map[string]*burst)}
}

// add merges op into the burst for path and restarts its quiet window.
func (d *debouncer) add(path string, op fsnotify.Op, fire func(string)) {
	current, ok := d.bursts[path]
	if !ok {
		current = &burst{timer: time.AfterFunc(d.window, func() { fire(path) })}
		d.bursts[path] = current
	} else {
		current.timer.Reset(d.window)
	}
	current.ops |= op
}

func (d *debouncer) take(path string) (fsnotify.Op, bool) {
	current, ok := d.bursts[path]
	if !ok {
		return 0, false
	}
	delete(d.bursts, path)
	return current.ops, true
}

func (d *debouncer) stop() {
	for path, current := range d.bursts {
		current.timer.Stop()
		delete(d.bursts, path)
	}
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	op := event.Op & configOps
	if op == 0 {
		return
	}
	path := cleanPath(event.Name)
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || len(watcher.callbacks[path]) == 0 {
		return
	}
	watcher.debouncer.add(path, op, watcher.fire)
}

// fire delivers one Event for a finished burst, carrying every op seen.
func (watcher *Watcher) fire(path string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	ops, ok := watcher.debouncer.take(path)
	callbacks := append([]func(Event){}, watcher.callbacks[path]...)
	watcher.mutex.Unlock()
	if !ok {
		return
	}

	event := Event{Path: path, Op: ops, Timestamp: time.Now().UTC()}
	for _, callback := range callbacks {
		callback(event)
	}
}
