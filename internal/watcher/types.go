package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"edgerelay/internal/logging"
)

// Event is one debounced change to a watched file. Op holds every
// operation seen during the burst.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Options controls watcher behavior.
type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
}

// Watcher delivers debounced change events for individual files. It watches
// the parent directory so files replaced by rename are still tracked.
type Watcher struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	callbacks map[string][]func(Event)
	dirs      map[string]int
	debouncer *debouncer
	done      chan struct{}
	closed    bool
	logger    *logging.Logger
}
