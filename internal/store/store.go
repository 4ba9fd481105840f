// Package store persists relay records as versioned opaque values keyed by
// kind and id. Writers pass the version they read; a stale version fails
// with ErrConflict instead of overwriting.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindConnection Kind = "connection"
	KindMediation  Kind = "mediation"
	KindKey        Kind = "key"
	KindIdentifier Kind = "identifier"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record version conflict")
	ErrUnavailable = errors.New("store unavailable")
)

type Entry struct {
	Kind      Kind
	ID        string
	Version   int64
	Value     []byte
	UpdatedAt time.Time
}

// Store is the record persistence contract. Put with expectedVersion 0
// creates the record and fails with ErrConflict if it exists; any other
// value must match the stored version. Put returns the new version.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) (Entry, error)
	Put(ctx context.Context, kind Kind, id string, value []byte, expectedVersion int64) (int64, error)
	List(ctx context.Context, kind Kind) ([]Entry, error)
	Close() error
}

// Open selects a backend from uri: memory://, sqlite://PATH (or
// sqlite://:memory:), postgres:// and postgresql:// DSNs.
func Open(ctx context.Context, uri string) (Store, error) {
	trimmed := strings.TrimSpace(uri)
	switch {
	case trimmed == "memory://" || trimmed == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(trimmed, "sqlite://"))
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return OpenPostgres(ctx, trimmed)
	default:
		return nil, fmt.Errorf("unsupported store uri %q", uri)
	}
}

// GetJSON loads and decodes a record, returning its version.
func GetJSON[T any](ctx context.Context, s Store, kind Kind, id string) (T, int64, error) {
	var value T
	entry, err := s.Get(ctx, kind, id)
	if err != nil {
		return value, 0, err
	}
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return value, 0, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return value, entry.Version, nil
}

// PutJSON encodes value and writes it with the usual version check.
func PutJSON(ctx context.Context, s Store, kind Kind, id string, value any, expectedVersion int64) (int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return s.Put(ctx, kind, id, payload, expectedVersion)
}

// ListJSON decodes every record of kind. Undecodable records are skipped
// and reported through the returned error alongside the good ones.
func ListJSON[T any](ctx context.Context, s Store, kind Kind) ([]T, error) {
	entries, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	values := make([]T, 0, len(entries))
	var decodeErr error
	for _, entry := range entries {
		var value T
		if err := json.Unmarshal(entry.Value, &value); err != nil {
			decodeErr = errors.Join(decodeErr, fmt.Errorf("decode %s %s: %w", kind, entry.ID, err))
			continue
		}
		values = append(values, value)
	}
	return values, decodeErr
}

// Mutate reads the record, applies fn and writes the result. A version
// conflict is retried once against fresh state. fn receives exists=false
// when the record is missing and should then build it from scratch.
func Mutate(ctx context.Context, s Store, kind Kind, id string, fn func(current []byte, exists bool) ([]byte, error)) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		entry, err := s.Get(ctx, kind, id)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			entry = Entry{}
		} else if err != nil {
			return 0, err
		}
		next, err := fn(entry.Value, exists)
		if err != nil {
			return 0, err
		}
		version, err := s.Put(ctx, kind, id, next, entry.Version)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
