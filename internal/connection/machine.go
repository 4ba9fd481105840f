package connection

import (
	"errors"
	"fmt"

	"edgerelay/internal/didcomm"
)

type Event string

const (
	EventIssueInvitation   Event = "issue_invitation"
	EventReceiveInvitation Event = "receive_invitation"
	EventReceiveRequest    Event = "receive_request"
	EventSendRequest       Event = "send_request"
	EventSendResponse      Event = "send_response"
	EventReceiveResponse   Event = "receive_response"
	EventReceiveAck        Event = "receive_ack"
	EventSendAck           Event = "send_ack"
	EventAckTimeout        Event = "ack_timeout"
	EventProtocolViolation Event = "protocol_violation"
)

type Effect string

const (
	EffectNone               Effect = ""
	EffectSendRequest        Effect = "send_request"
	EffectSendResponse       Effect = "send_response"
	EffectScheduleAckTimeout Effect = "schedule_ack_timeout"
	EffectSendAck            Effect = "send_ack"
	EffectConnectionActive   Effect = "connection_active"
	EffectReportProblem      Effect = "report_problem"
)

var (
	ErrIllegalTransition  = errors.New("illegal connection transition")
	ErrBindingMismatch    = errors.New("response not signed by invitation key")
	ErrMissingPeerDetails = errors.New("peer DID, verkey and endpoint are required")
	ErrPeerAlreadySet     = errors.New("peer details already set")
)

// Input is one event fed to Advance. Details carries the peer learned from
// a request or response; Signer is the verified connection~sig signer.
type Input struct {
	Event   Event
	Details *didcomm.PeerInfo
	Signer  string
	Reason  string
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
	RoleInviter: {
		{StateInit, EventIssueInvitation}:   {StateInvited, EffectNone},
		{StateInvited, EventReceiveRequest}: {StateRequested, EffectSendResponse},
		{StateRequested, EventSendResponse}: {StateResponded, EffectScheduleAckTimeout},
		{StateResponded, EventReceiveAck}:   {StateActive, EffectConnectionActive},
		{StateResponded, EventAckTimeout}:   {StateActive, EffectConnectionActive},
		{StateActive, EventReceiveAck}:      {StateActive, EffectNone},
		{StateActive, EventSendAck}:         {StateActive, EffectNone},
	},
	RoleInvitee: {
		{StateInit, EventReceiveInvitation}:    {StateInvited, EffectSendRequest},
		{StateInvited, EventSendRequest}:       {StateRequested, EffectNone},
		{StateRequested, EventReceiveResponse}: {StateResponded, EffectSendAck},
		{StateResponded, EventSendAck}:         {StateActive, EffectConnectionActive},
		{StateResponded, EventAckTimeout}:      {StateActive, EffectConnectionActive},
		{StateActive, EventReceiveAck}:         {StateActive, EffectNone},
		{StateActive, EventSendAck}:            {StateActive, EffectNone},
	},
}

// Advance applies input to record. It performs no I/O.
//
// A missing table entry abandons a record that is still negotiating; an
// active or abandoned record is returned unchanged so replayed messages
// cannot tear down an established connection.
func Advance(record Record, input Input) (Record, Effect, error) {
	if input.Event == EventProtocolViolation {
		if record.IsTerminal() {
			return record, EffectNone, illegal(record, input)
		}
		return abandon(record, input.Reason), EffectReportProblem, nil
	}

	step, ok := transitions[record.Role][transitionKey{record.State, input.Event}]
	if !ok {
		if record.IsTerminal() {
			return record, EffectNone, illegal(record, input)
		}
		err := illegal(record, input)
		return abandon(record, err.Error()), EffectReportProblem, err
	}

	switch input.Event {
	case EventReceiveRequest:
		details := input.Details
		if details == nil || details.DID == "" || details.Verkey == "" || details.Endpoint == "" {
			return abandon(record, ErrMissingPeerDetails.Error()), EffectReportProblem, ErrMissingPeerDetails
		}
		if record.HasPeerDetails() {
			return abandon(record, ErrPeerAlreadySet.Error()), EffectReportProblem, ErrPeerAlreadySet
		}
		record = withPeer(record, *details)
	case EventReceiveResponse:
		if input.Signer == "" || input.Signer != record.InvitationKey {
			return abandon(record, ErrBindingMismatch.Error()), EffectReportProblem, ErrBindingMismatch
		}
		details := input.Details
		if details == nil || details.DID == "" || details.Verkey == "" {
			return abandon(record, ErrMissingPeerDetails.Error()), EffectReportProblem, ErrMissingPeerDetails
		}
		if record.HasPeerDetails() {
			return abandon(record, ErrPeerAlreadySet.Error()), EffectReportProblem, ErrPeerAlreadySet
		}
		record = withPeer(record, *details)
	}

	record.State = step.next
	return record, step.effect, nil
}

func withPeer(record Record, details didcomm.PeerInfo) Record {
	record.TheirDID = details.DID
	record.TheirVerkey = details.Verkey
	record.TheirEndpoint = details.Endpoint
	record.TheirRoutingKeys = append([]string(nil), details.RoutingKeys...)
	return record
}

func abandon(record Record, reason string) Record {
	record.State = StateAbandoned
	record.Error = reason
	return record
}

func illegal(record Record, input Input) error {
	return fmt.Errorf("%w: %s %s on %s", ErrIllegalTransition, record.Role, record.State, input.Event)
}
