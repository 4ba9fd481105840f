// Package mediation coordinates mediation on both sides of the relay: as
// a client of the external mediator and as the grantor for the local
// agent.
package mediation

import "time"

type Role string

const (
	RoleClient  Role = "client"
	RoleGrantor Role = "grantor"
)

type State string

const (
	StateNotRequested State = "not_requested"
	StateRequested    State = "requested"
	StateGranted      State = "granted"
	StateDenied       State = "denied"
)

type Record struct {
	MediationID  string    `json:"mediation_id"`
	ConnectionID string    `json:"connection_id"`
	Role         Role      `json:"role"`
	State        State     `json:"state"`
	RoutingKeys  []string  `json:"routing_keys"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r Record) IsTerminal() bool {
	return r.State == StateGranted || r.State == StateDenied
}

func (r Record) IsGranted() bool {
	return r.State == StateGranted
}
