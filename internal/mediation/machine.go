package mediation

import (
	"errors"
	"fmt"
)

type Event string

const (
	EventSendRequest    Event = "send_request"
	EventReceiveGrant   Event = "receive_grant"
	EventReceiveDeny    Event = "receive_deny"
	EventReceiveRequest Event = "receive_request"
	EventGrant          Event = "grant"
	EventDeny           Event = "deny"
	EventKeylistUpdate  Event = "keylist_update"
	// EventAbort ends a pending request that can no longer complete, such
	// as one that could not be delivered.
	EventAbort Event = "abort"
)

type Effect string

const (
	EffectNone                 Effect = ""
	EffectSendMediationRequest Effect = "send_mediation_request"
	EffectMediationGranted     Effect = "mediation_granted"
	EffectDecideGrant          Effect = "decide_grant"
	EffectSendGrant            Effect = "send_grant"
	EffectSendDeny             Effect = "send_deny"
	EffectAckKeylist           Effect = "ack_keylist"
)

var (
	ErrIllegalTransition   = errors.New("illegal mediation transition")
	ErrConnectionNotActive = errors.New("connection is not active")
	ErrRoutingImmutable    = errors.New("routing keys already set")
)

// Input is one event for Advance. Grants carry the endpoint and routing
// keys; send_request carries whether the owning connection is active.
type Input struct {
	Event            Event
	ConnectionActive bool
	Endpoint         string
	RoutingKeys      []string
	Reason           string
}

type transitionKey struct {
	state State
	event Event
}

type transition struct {
	next   State
	effect Effect
}

var transitions = map[Role]map[transitionKey]transition{
	RoleClient: {
		{StateNotRequested, EventSendRequest}: {StateRequested, EffectSendMediationRequest},
		{StateRequested, EventReceiveGrant}:   {StateGranted, EffectMediationGranted},
		{StateRequested, EventReceiveDeny}:    {StateDenied, EffectNone},
		{StateRequested, EventAbort}:          {StateDenied, EffectNone},
		{StateGranted, EventKeylistUpdate}:    {StateGranted, EffectAckKeylist},
	},
	RoleGrantor: {
		{StateNotRequested, EventReceiveRequest}: {StateRequested, EffectDecideGrant},
		{StateRequested, EventGrant}:             {StateGranted, EffectSendGrant},
		{StateRequested, EventDeny}:              {StateDenied, EffectSendDeny},
		{StateRequested, EventAbort}:             {StateDenied, EffectNone},
		{StateGranted, EventKeylistUpdate}:       {StateGranted, EffectAckKeylist},
	},
}

// Advance applies input to record without I/O. A request on a connection
// that is not active is refused with the record untouched; other misses
// deny a pending record and leave a settled one as it was.
func Advance(record Record, input Input) (Record, Effect, error) {
	if input.Event == EventSendRequest && !input.ConnectionActive {
		return record, EffectNone, ErrConnectionNotActive
	}
	step, ok := transitions[record.Role][transitionKey{record.State, input.Event}]
	if !ok {
		err := fmt.Errorf("%w: %s %s on %s", ErrIllegalTransition, record.Role, record.State, input.Event)
		if record.IsTerminal() {
			return record, EffectNone, err
		}
		record.State = StateDenied
		record.Error = err.Error()
		return record, EffectNone, err
	}

	switch input.Event {
	case EventReceiveGrant, EventGrant:
		if len(record.RoutingKeys) > 0 {
			record.State = StateDenied
			record.Error = ErrRoutingImmutable.Error()
			return record, EffectNone, ErrRoutingImmutable
		}
		record.Endpoint = input.Endpoint
		record.RoutingKeys = append([]string{}, input.RoutingKeys...)
	case EventReceiveDeny, EventDeny, EventAbort:
		record.Error = input.Reason
	}
	record.State = step.next
	return record, step.effect, nil
}
