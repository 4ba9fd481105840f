package connection

import (
	"errors"
	"testing"

	"edgerelay/internal/didcomm"
)

func peerInfo() *didcomm.PeerInfo {
	return &didcomm.PeerInfo{DID: "did", Verkey: "verkey", Endpoint: "http://peer"}
}

func TestAdvanceInviterReachesActive(t *testing.T) {
	record := Record{Role: RoleInviter, State: StateInit, InvitationKey: "inv"}
	steps := []struct {
		input  Input
		state  State
		effect Effect
	}{
		{Input{Event: EventIssueInvitation}, StateInvited, EffectNone},
		{Input{Event: EventReceiveRequest, Details: peerInfo()}, StateRequested, EffectSendResponse},
		{Input{Event: EventSendResponse}, StateResponded, EffectScheduleAckTimeout},
		{Input{Event: EventReceiveAck}, StateActive, EffectConnectionActive},
		{Input{Event: EventReceiveAck}, StateActive, EffectNone},
	}
	for i, step := range steps {
		next, effect, err := Advance(record, step.input)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.input.Event, err)
		}
		if next.State != step.state || effect != step.effect {
			t.Fatalf("step %d: expected %s/%q, got %s/%q", i, step.state, step.effect, next.State, effect)
		}
		record = next
	}
	if record.TheirVerkey != "verkey" || record.TheirEndpoint != "http://peer" {
		t.Fatalf("expected peer details to be recorded, got %+v", record)
	}
}

func TestAdvanceInviteeReachesActive(t *testing.T) {
	record := Record{Role: RoleInvitee, State: StateInit, InvitationKey: "inv"}
	inputs := []Input{
		{Event: EventReceiveInvitation},
		{Event: EventSendRequest},
		{Event: EventReceiveResponse, Signer: "inv", Details: peerInfo()},
		{Event: EventSendAck},
	}
	effects := []Effect{EffectSendRequest, EffectNone, EffectSendAck, EffectConnectionActive}
	for i, input := range inputs {
		next, effect, err := Advance(record, input)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if effect != effects[i] {
			t.Fatalf("step %d: expected effect %q, got %q", i, effects[i], effect)
		}
		record = next
	}
	if record.State != StateActive {
		t.Fatalf("expected active, got %s", record.State)
	}
}

func TestAdvanceAckTimeoutPromotes(t *testing.T) {
	for _, role := range []Role{RoleInviter, RoleInvitee} {
		next, effect, err := Advance(Record{Role: role, State: StateResponded}, Input{Event: EventAckTimeout})
		if err != nil || next.State != StateActive || effect != EffectConnectionActive {
			t.Fatalf("%s: expected promotion, got %s/%q err=%v", role, next.State, effect, err)
		}
	}
}

func TestAdvanceReplayDoesNotDisturbActive(t *testing.T) {
	active := Record{Role: RoleInviter, State: StateActive, TheirVerkey: "verkey"}
	next, effect, err := Advance(active, Input{Event: EventReceiveRequest, Details: peerInfo()})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if next.State != StateActive || effect != EffectNone {
		t.Fatalf("expected record unchanged, got %s/%q", next.State, effect)
	}
	next, _, err = Advance(active, Input{Event: EventProtocolViolation, Reason: "late"})
	if !errors.Is(err, ErrIllegalTransition) || next.State != StateActive {
		t.Fatalf("violation must not kill an active connection: %s err=%v", next.State, err)
	}
}

func TestAdvanceIllegalEventAbandonsNegotiation(t *testing.T) {
	next, effect, err := Advance(Record{Role: RoleInvitee, State: StateInvited}, Input{Event: EventReceiveAck})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if next.State != StateAbandoned || effect != EffectReportProblem || next.Error == "" {
		t.Fatalf("expected abandoned with reason, got %+v effect=%q", next, effect)
	}

	abandoned := next
	again, effect, err := Advance(abandoned, Input{Event: EventSendRequest})
	if !errors.Is(err, ErrIllegalTransition) || again.State != StateAbandoned || effect != EffectNone {
		t.Fatalf("abandoned record must stay put, got %s/%q err=%v", again.State, effect, err)
	}
}

func TestAdvanceBindingMismatch(t *testing.T) {
	record := Record{Role: RoleInvitee, State: StateRequested, InvitationKey: "inv"}
	next, effect, err := Advance(record, Input{Event: EventReceiveResponse, Signer: "someone-else", Details: peerInfo()})
	if !errors.Is(err, ErrBindingMismatch) {
		t.Fatalf("expected ErrBindingMismatch, got %v", err)
	}
	if next.State != StateAbandoned || effect != EffectReportProblem || next.TheirVerkey != "" {
		t.Fatalf("expected abandoned without peer details, got %+v", next)
	}
}

func TestAdvanceRequestRequiresPeerDetails(t *testing.T) {
	record := Record{Role: RoleInviter, State: StateInvited}
	missing := &didcomm.PeerInfo{DID: "did", Verkey: "verkey"}
	next, _, err := Advance(record, Input{Event: EventReceiveRequest, Details: missing})
	if !errors.Is(err, ErrMissingPeerDetails) || next.State != StateAbandoned {
		t.Fatalf("expected missing details to abandon, got %s err=%v", next.State, err)
	}

	record.TheirVerkey = "already"
	next, _, err = Advance(record, Input{Event: EventReceiveRequest, Details: peerInfo()})
	if !errors.Is(err, ErrPeerAlreadySet) || next.State != StateAbandoned {
		t.Fatalf("expected double peer set to abandon, got %s err=%v", next.State, err)
	}
}
