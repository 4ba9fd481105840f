package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/mediation"
	"edgerelay/internal/pack"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"

	"github.com/stretchr/testify/mock"
)

type mockConnections struct {
	mock.Mock
}

func (m *mockConnections) FindByKey(ctx context.Context, verkey string) (connection.Record, error) {
	args := m.Called(ctx, verkey)
	return args.Get(0).(connection.Record), args.Error(1)
}

func (m *mockConnections) HandleRequest(ctx context.Context, id string, request didcomm.ConnectionRequest) (connection.Record, error) {
	args := m.Called(ctx, id, request)
	return args.Get(0).(connection.Record), args.Error(1)
}

func (m *mockConnections) HandleResponse(ctx context.Context, id string, response didcomm.ConnectionResponse) (connection.Record, error) {
	args := m.Called(ctx, id, response)
	return args.Get(0).(connection.Record), args.Error(1)
}

func (m *mockConnections) HandleAck(ctx context.Context, id string) (connection.Record, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(connection.Record), args.Error(1)
}

func (m *mockConnections) Fail(ctx context.Context, id, reason string) (connection.Record, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(connection.Record), args.Error(1)
}

type mockMediations struct {
	mock.Mock
}

func (m *mockMediations) HandleRequest(ctx context.Context, connectionID string, request didcomm.MediateRequest) (mediation.Record, error) {
	args := m.Called(ctx, connectionID, request)
	return args.Get(0).(mediation.Record), args.Error(1)
}

func (m *mockMediations) HandleGrant(ctx context.Context, connectionID string, grant didcomm.MediateGrant) (mediation.Record, error) {
	args := m.Called(ctx, connectionID, grant)
	return args.Get(0).(mediation.Record), args.Error(1)
}

func (m *mockMediations) HandleDeny(ctx context.Context, connectionID string, deny didcomm.MediateDeny) (mediation.Record, error) {
	args := m.Called(ctx, connectionID, deny)
	return args.Get(0).(mediation.Record), args.Error(1)
}

func (m *mockMediations) HandleKeylistUpdate(ctx context.Context, connectionID string, update didcomm.KeylistUpdate) (mediation.Record, error) {
	args := m.Called(ctx, connectionID, update)
	return args.Get(0).(mediation.Record), args.Error(1)
}

type mockForwards struct {
	mock.Mock
}

func (m *mockForwards) FromMediator(ctx context.Context, conn connection.Record, forward didcomm.Forward) error {
	return m.Called(ctx, conn, forward).Error(0)
}

func (m *mockForwards) FromAgent(ctx context.Context, conn connection.Record, forward didcomm.Forward) error {
	return m.Called(ctx, conn, forward).Error(0)
}

type sent struct {
	target  transport.Target
	message any
}

type captureSender struct {
	mu   sync.Mutex
	sent []sent
}

func (c *captureSender) Send(ctx context.Context, target transport.Target, message any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{target: target, message: message})
	return nil
}

type harness struct {
	dispatcher  *Dispatcher
	codec       *pack.V1Codec
	connections *mockConnections
	mediations  *mockMediations
	forwards    *mockForwards
	sender      *captureSender
	relayKey    string
	peerKey     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	keys, err := pack.NewKeyRing(ctx, store.NewMemory(), "")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	relayKey, _ := keys.Create(ctx)
	peerKey, _ := keys.Create(ctx)
	h := &harness{
		codec:       pack.NewV1Codec(keys),
		connections: &mockConnections{},
		mediations:  &mockMediations{},
		forwards:    &mockForwards{},
		sender:      &captureSender{},
		relayKey:    relayKey,
		peerKey:     peerKey,
	}
	h.dispatcher = New(Options{
		Codec:       h.codec,
		Connections: h.connections,
		Mediations:  h.mediations,
		Forwards:    h.forwards,
		Sender:      h.sender,
	})
	return h
}

func (h *harness) record(peer connection.Peer, role connection.Role, state connection.State) connection.Record {
	return connection.Record{
		ConnectionID:  "conn-1",
		Role:          role,
		State:         state,
		Peer:          peer,
		MyVerkey:      h.relayKey,
		TheirVerkey:   h.peerKey,
		TheirEndpoint: "http://peer.example",
	}
}

func (h *harness) envelope(t *testing.T, message any, returnRoute bool) []byte {
	t.Helper()
	envelope, err := transport.Prepare(context.Background(), h.codec, transport.Target{
		RecipientKeys: []string{h.relayKey},
		SenderKey:     h.peerKey,
		ReturnRoute:   returnRoute,
	}, message)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return envelope
}

func TestPingReturnRoutedResponse(t *testing.T) {
	h := newHarness(t)
	// The sender captures ordinary sends; the reply slot bypasses senders
	// that do not look at it, so route through a real router.
	router := transport.NewRouter(transport.RouterOptions{Codec: h.codec})
	h.dispatcher.sender = router

	record := h.record(connection.PeerAgent, connection.RoleInviter, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)
	h.connections.On("HandleAck", mock.Anything, "conn-1").Return(record, nil)

	ping := didcomm.NewLivenessPing()
	yes := true
	ping.ResponseRequested = &yes

	reply, err := h.dispatcher.Handle(context.Background(), h.envelope(t, ping, true))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == nil {
		t.Fatalf("expected return-routed reply")
	}
	unpacked, err := h.codec.Unpack(context.Background(), reply)
	if err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	header, short, err := didcomm.ParseHeader(unpacked.Message)
	if err != nil || short != didcomm.TypePingResponse {
		t.Fatalf("reply type %q: %v", short, err)
	}
	if header.ThreadID() != ping.ID {
		t.Fatalf("reply thread %q, want %q", header.ThreadID(), ping.ID)
	}
	h.connections.AssertExpectations(t)
}

func TestLivenessPingNeedsNoResponse(t *testing.T) {
	h := newHarness(t)
	record := h.record(connection.PeerMediator, connection.RoleInvitee, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)
	h.connections.On("HandleAck", mock.Anything, "conn-1").Return(record, nil)

	ping := didcomm.NewLivenessPing()
	no := false
	ping.ResponseRequested = &no
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, ping, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("expected no response, got %d sends", len(h.sender.sent))
	}
}

func TestInviteeIgnoresAckBeforeSendingItsOwn(t *testing.T) {
	h := newHarness(t)
	record := h.record(connection.PeerMediator, connection.RoleInvitee, connection.StateResponded)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)

	ack := didcomm.NewAck(didcomm.NewHeader(didcomm.TypePing))
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, ack, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.connections.AssertNotCalled(t, "HandleAck", mock.Anything, mock.Anything)
}

func TestForwardRoutedByPeer(t *testing.T) {
	h := newHarness(t)
	mediator := h.record(connection.PeerMediator, connection.RoleInvitee, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(mediator, nil).Once()
	h.forwards.On("FromMediator", mock.Anything, mediator, mock.AnythingOfType("didcomm.Forward")).Return(nil)

	forward := didcomm.NewForward(h.peerKey, []byte(`{"protected":"p","iv":"i","ciphertext":"c","tag":"t"}`))
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, forward, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.forwards.AssertNumberOfCalls(t, "FromMediator", 1)

	agent := h.record(connection.PeerAgent, connection.RoleInviter, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(agent, nil).Once()
	h.forwards.On("FromAgent", mock.Anything, agent, mock.AnythingOfType("didcomm.Forward")).Return(nil)
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, forward, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.forwards.AssertNumberOfCalls(t, "FromAgent", 1)
}

func TestForwardFromUnknownPeerReported(t *testing.T) {
	h := newHarness(t)
	record := h.record("", connection.RoleInviter, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)

	forward := didcomm.NewForward(h.peerKey, []byte(`{}`))
	_, err := h.dispatcher.Handle(context.Background(), h.envelope(t, forward, false))
	reportable, ok := didcomm.AsReportable(err)
	if !ok || reportable.Code != didcomm.CodeForwardFromUnauthorizedConnection {
		t.Fatalf("expected unauthorized forward, got %v", err)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one problem report, got %d", len(h.sender.sent))
	}
	report, ok := h.sender.sent[0].message.(didcomm.ProblemReport)
	if !ok || report.Description.Code != didcomm.CodeForwardFromUnauthorizedConnection {
		t.Fatalf("unexpected message %#v", h.sender.sent[0].message)
	}
	if report.ThreadID() != forward.ID {
		t.Fatalf("problem report not threaded to %q", forward.ID)
	}
	h.forwards.AssertNotCalled(t, "FromMediator", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownRecipient(t *testing.T) {
	h := newHarness(t)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(connection.Record{}, connection.ErrNotFound)

	_, err := h.dispatcher.Handle(context.Background(), h.envelope(t, didcomm.NewLivenessPing(), false))
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestUnhandledTypeReported(t *testing.T) {
	h := newHarness(t)
	record := h.record(connection.PeerAgent, connection.RoleInviter, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)

	message := map[string]string{"@id": "m-1", "@type": "https://didcomm.org/basicmessage/1.0/message", "content": "hi"}
	_, err := h.dispatcher.Handle(context.Background(), h.envelope(t, message, false))
	if reportable, ok := didcomm.AsReportable(err); !ok || reportable.Code != didcomm.CodeMessageNotHandled {
		t.Fatalf("expected message-not-handled, got %v", err)
	}
}

func TestProblemReportAbandonsNegotiation(t *testing.T) {
	h := newHarness(t)
	record := h.record(connection.PeerMediator, connection.RoleInvitee, connection.StateRequested)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)
	h.connections.On("Fail", mock.Anything, "conn-1", mock.AnythingOfType("string")).Return(record, nil)

	report := didcomm.NewProblemReport(nil, "request_not_accepted", "no")
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, report, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.connections.AssertCalled(t, "Fail", mock.Anything, "conn-1", "problem report: request_not_accepted")
}

func TestMediationMessagesRouted(t *testing.T) {
	h := newHarness(t)
	record := h.record(connection.PeerMediator, connection.RoleInvitee, connection.StateActive)
	h.connections.On("FindByKey", mock.Anything, h.relayKey).Return(record, nil)
	h.mediations.On("HandleGrant", mock.Anything, "conn-1", mock.AnythingOfType("didcomm.MediateGrant")).Return(mediation.Record{}, nil)

	grant := didcomm.NewMediateGrant(didcomm.NewHeader(didcomm.TypeMediateRequest), "wss://mediator.example", []string{"did:key:z6Mk"})
	if _, err := h.dispatcher.Handle(context.Background(), h.envelope(t, grant, false)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.mediations.AssertExpectations(t)
}
