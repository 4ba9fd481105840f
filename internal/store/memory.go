package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Entry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: make(map[Kind]map[string]Entry)}
}

func (m *Memory) Get(ctx context.Context, kind Kind, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrUnavailable
	}
	entry, ok := m.records[kind][id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (m *Memory) Put(ctx context.Context, kind Kind, id string, value []byte, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	byID := m.records[kind]
	if byID == nil {
		byID = make(map[string]Entry)
		m.records[kind] = byID
	}
	current, exists := byID[id]
	switch {
	case expectedVersion == 0 && exists:
		return 0, ErrConflict
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return 0, ErrConflict
	}
	next := Entry{
		Kind:      kind,
		ID:        id,
		Version:   expectedVersion + 1,
		Value:     append([]byte(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	byID[id] = next
	return next.Version, nil
}

func (m *Memory) List(ctx context.Context, kind Kind) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	entries := make([]Entry, 0, len(m.records[kind]))
	for _, entry := range m.records[kind] {
		entries = append(entries, cloneEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneEntry(entry Entry) Entry {
	entry.Value = append([]byte(nil), entry.Value...)
	return entry
}
