package logging

import "sync"

const streamBuffer = 100

type logStream struct {
	ch       chan LogEntry
	minLevel Level
}

// LogHub fans entries out to live log streams, each filtered to its own
// minimum level. A stream that falls behind misses entries; the logger
// never blocks on it.
type LogHub struct {
	mu      sync.Mutex
	nextID  uint64
	streams map[uint64]logStream
}

func NewLogHub() *LogHub {
	return &LogHub{streams: make(map[uint64]logStream)}
}

func (h *LogHub) Subscribe(minLevel Level) (<-chan LogEntry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan LogEntry, streamBuffer)
	h.streams[id] = logStream{ch: ch, minLevel: minLevel}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if stream, ok := h.streams[id]; ok {
			delete(h.streams, id)
			close(stream.ch)
		}
	}
}

func (h *LogHub) Broadcast(entry LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stream := range h.streams {
		if !LevelAtLeast(entry.Level, stream.minLevel) {
			continue
		}
		select {
		case stream.ch <- entry:
		default:
		}
	}
}
