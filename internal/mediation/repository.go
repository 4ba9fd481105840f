package mediation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"edgerelay/internal/store"
)

var ErrNotFound = errors.New("mediation not found")

type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Get(ctx context.Context, id string) (Record, int64, error) {
	record, version, err := store.GetJSON[Record](ctx, r.store, store.KindMediation, id)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, version, err
}

func (r *Repository) Save(ctx context.Context, record Record, version int64) (int64, error) {
	return store.PutJSON(ctx, r.store, store.KindMediation, record.MediationID, record, version)
}

func (r *Repository) List(ctx context.Context) ([]Record, error) {
	return store.ListJSON[Record](ctx, r.store, store.KindMediation)
}

// Find returns the newest record for connectionID in role whose state is
// one of states.
func (r *Repository) Find(ctx context.Context, connectionID string, role Role, states ...State) (Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return Record{}, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	for _, record := range records {
		if record.Role != role || (connectionID != "" && record.ConnectionID != connectionID) {
			continue
		}
		for _, state := range states {
			if record.State == state {
				return record, nil
			}
		}
	}
	return Record{}, fmt.Errorf("%w: %s mediation for connection %q", ErrNotFound, role, connectionID)
}
