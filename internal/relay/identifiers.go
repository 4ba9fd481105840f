package relay

import (
	"context"
	"encoding/json"
	"errors"

	"edgerelay/internal/store"
)

// Identifier names persisted under store.KindIdentifier.
const (
	IdentifierMediator         = "mediator"
	IdentifierAgent            = "agent"
	IdentifierMediationClient  = "mediation.client"
	IdentifierMediationGrantor = "mediation.grantor"
)

var identifierNames = []string{
	IdentifierMediator,
	IdentifierAgent,
	IdentifierMediationClient,
	IdentifierMediationGrantor,
}

// Identifiers points at the records currently governing the relay. A newer
// record supersedes the previous pointer.
type Identifiers struct {
	store store.Store
}

func NewIdentifiers(s store.Store) *Identifiers {
	return &Identifiers{store: s}
}

// Get returns the id stored under name, or "" when none is set.
func (i *Identifiers) Get(ctx context.Context, name string) (string, error) {
	id, _, err := store.GetJSON[string](ctx, i.store, store.KindIdentifier, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return id, err
}

func (i *Identifiers) Set(ctx context.Context, name, id string) error {
	_, err := store.Mutate(ctx, i.store, store.KindIdentifier, name, func(current []byte, exists bool) ([]byte, error) {
		return json.Marshal(id)
	})
	return err
}

func (i *Identifiers) All(ctx context.Context) (map[string]string, error) {
	all := make(map[string]string, len(identifierNames))
	for _, name := range identifierNames {
		id, err := i.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if id != "" {
			all[name] = id
		}
	}
	return all, nil
}
