package store

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Locks serializes work on a single record id across goroutines.
type Locks struct {
	m *xsync.Map[string, *sync.Mutex]
}

func NewLocks() *Locks {
	return &Locks{m: xsync.NewMap[string, *sync.Mutex]()}
}

// Lock blocks until key is free and returns the unlock function.
func (l *Locks) Lock(key string) func() {
	mu, _ := l.m.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
