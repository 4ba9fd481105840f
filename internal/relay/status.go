package relay

import (
	"context"
	"errors"

	"edgerelay/internal/connection"
	"edgerelay/internal/mediation"
	"edgerelay/internal/retriever"
)

type ConnectionStatus struct {
	ConnectionID string           `json:"connection_id"`
	State        connection.State `json:"state"`
	Endpoint     string           `json:"endpoint,omitempty"`
}

type MediationStatus struct {
	MediationID string          `json:"mediation_id"`
	State       mediation.State `json:"state"`
	Endpoint    string          `json:"endpoint,omitempty"`
	RoutingKeys []string        `json:"routing_keys,omitempty"`
}

type SessionStatus struct {
	Status          retriever.Status `json:"status"`
	Endpoint        string           `json:"endpoint,omitempty"`
	OutboundQueued  int              `json:"outbound_queued"`
	ForwardsPending int              `json:"forwards_pending"`
}

// Status is the relay overview served by the admin API.
type Status struct {
	Mediator        *ConnectionStatus `json:"mediator,omitempty"`
	Agent           *ConnectionStatus `json:"agent,omitempty"`
	MediationClient *MediationStatus  `json:"mediation_client,omitempty"`
	MediationGrant  *MediationStatus  `json:"mediation_grantor,omitempty"`
	Session         SessionStatus     `json:"session"`
}

func (c *Context) Status(ctx context.Context) (Status, error) {
	var status Status
	var err error
	if status.Mediator, err = c.connectionStatus(ctx, IdentifierMediator); err != nil {
		return Status{}, err
	}
	if status.Agent, err = c.connectionStatus(ctx, IdentifierAgent); err != nil {
		return Status{}, err
	}
	if status.MediationClient, err = c.mediationStatus(ctx, IdentifierMediationClient); err != nil {
		return Status{}, err
	}
	if status.MediationGrant, err = c.mediationStatus(ctx, IdentifierMediationGrantor); err != nil {
		return Status{}, err
	}

	status.Session.Status = retriever.StatusIdle
	if r := c.Retriever(); r != nil {
		status.Session.Status = r.Status()
		status.Session.Endpoint = r.Endpoint()
		status.Session.OutboundQueued, status.Session.ForwardsPending = r.Pending()
	}
	return status, nil
}

func (c *Context) connectionStatus(ctx context.Context, name string) (*ConnectionStatus, error) {
	record, err := c.current(ctx, name)
	if errors.Is(err, connection.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ConnectionStatus{
		ConnectionID: record.ConnectionID,
		State:        record.State,
		Endpoint:     record.TheirEndpoint,
	}, nil
}

func (c *Context) mediationStatus(ctx context.Context, name string) (*MediationStatus, error) {
	id, err := c.ids.Get(ctx, name)
	if err != nil || id == "" {
		return nil, err
	}
	record, err := c.mediations.Get(ctx, id)
	if errors.Is(err, mediation.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &MediationStatus{
		MediationID: record.MediationID,
		State:       record.State,
		Endpoint:    record.Endpoint,
		RoutingKeys: record.RoutingKeys,
	}, nil
}
