// Package connection runs the connections/1.0 protocol: a pure transition
// table plus the service that persists records and carries out effects.
package connection

import (
	"time"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/transport"
)

type Role string

const (
	RoleInviter Role = "inviter"
	RoleInvitee Role = "invitee"
)

type State string

const (
	StateInit      State = "init"
	StateInvited   State = "invited"
	StateRequested State = "requested"
	StateResponded State = "responded"
	StateActive    State = "active"
	StateAbandoned State = "abandoned"
)

// Peer names the relationship a connection serves.
type Peer string

const (
	PeerMediator Peer = "mediator"
	PeerAgent    Peer = "agent"
)

type Record struct {
	ConnectionID     string              `json:"connection_id"`
	Role             Role                `json:"role"`
	State            State               `json:"state"`
	Peer             Peer                `json:"peer"`
	Label            string              `json:"label,omitempty"`
	TheirLabel       string              `json:"their_label,omitempty"`
	MyDID            string              `json:"my_did"`
	MyVerkey         string              `json:"my_verkey"`
	MyEndpoint       string              `json:"my_endpoint,omitempty"`
	TheirDID         string              `json:"their_did,omitempty"`
	TheirVerkey      string              `json:"their_verkey,omitempty"`
	TheirEndpoint    string              `json:"their_endpoint,omitempty"`
	TheirRoutingKeys []string            `json:"their_routing_keys,omitempty"`
	Invitation       *didcomm.Invitation `json:"invitation,omitempty"`
	InvitationKey    string              `json:"invitation_key"`
	RequestID        string              `json:"request_id,omitempty"`
	Error            string              `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (r Record) IsTerminal() bool {
	return r.State == StateActive || r.State == StateAbandoned
}

func (r Record) IsActive() bool {
	return r.State == StateActive
}

// HasPeerDetails reports whether the other side's key and endpoint are
// known.
func (r Record) HasPeerDetails() bool {
	return r.TheirVerkey != ""
}

// Target addresses the other side. Before the invitee learns the inviter's
// relationship key it talks to the invitation key.
func (r Record) Target() transport.Target {
	target := transport.Target{
		ConnectionID: r.ConnectionID,
		SenderKey:    r.MyVerkey,
		ReturnRoute:  r.Peer == PeerMediator,
	}
	if r.HasPeerDetails() {
		target.RecipientKeys = []string{r.TheirVerkey}
		target.RoutingKeys = append([]string(nil), r.TheirRoutingKeys...)
		target.Endpoint = r.TheirEndpoint
		return target
	}
	if r.Role == RoleInvitee && r.Invitation != nil {
		target.RecipientKeys = []string{r.InvitationKey}
		target.RoutingKeys = append([]string(nil), r.Invitation.RoutingKeys...)
		target.Endpoint = r.Invitation.ServiceEndpoint
	}
	return target
}
