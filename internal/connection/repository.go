package connection

import (
	"context"
	"errors"
	"fmt"

	"edgerelay/internal/store"
)

var ErrNotFound = errors.New("connection not found")

type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Get(ctx context.Context, id string) (Record, int64, error) {
	record, version, err := store.GetJSON[Record](ctx, r.store, store.KindConnection, id)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, version, err
}

// Save writes record; version 0 creates it.
func (r *Repository) Save(ctx context.Context, record Record, version int64) (int64, error) {
	return store.PutJSON(ctx, r.store, store.KindConnection, record.ConnectionID, record, version)
}

func (r *Repository) List(ctx context.Context) ([]Record, error) {
	return store.ListJSON[Record](ctx, r.store, store.KindConnection)
}

// FindByKey returns the record a message addressed to verkey belongs to:
// either its relationship key or, for an inviter still waiting on a
// request, its invitation key.
func (r *Repository) FindByKey(ctx context.Context, verkey string) (Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, record := range records {
		if record.MyVerkey == verkey {
			return record, nil
		}
	}
	for _, record := range records {
		if record.Role == RoleInviter && record.InvitationKey == verkey && record.State != StateAbandoned {
			return record, nil
		}
	}
	return Record{}, fmt.Errorf("%w: no connection for key %s", ErrNotFound, verkey)
}
