package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/pack"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"

	"github.com/stretchr/testify/mock"
)

var errSessionClosed = errors.New("session closed")

type fakeSession struct {
	mu        sync.Mutex
	writes    [][]byte
	failAfter int
	autoPong  bool
	pong      func()
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		autoPong: true,
		frames:   make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSession) Write(ctx context.Context, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.writes) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.writes = append(s.writes, envelope)
	return nil
}

func (s *fakeSession) Read() ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return nil, errSessionClosed
	}
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	pong := s.pong
	auto := s.autoPong
	s.mu.Unlock()
	if auto && pong != nil {
		pong()
	}
	return nil
}

func (s *fakeSession) SetPongHandler(fn func()) {
	s.mu.Lock()
	s.pong = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSession) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type mockDialer struct {
	mock.Mock
	dials atomic.Int32
}

func (m *mockDialer) Dial(ctx context.Context, endpoint string) (Session, error) {
	m.dials.Add(1)
	args := m.Called(ctx, endpoint)
	session, _ := args.Get(0).(Session)
	return session, args.Error(1)
}

type mockSink struct {
	mock.Mock
	mu       sync.Mutex
	attempts []string
}

func (m *mockSink) Deliver(ctx context.Context, envelope []byte) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, string(envelope))
	m.mu.Unlock()
	return m.Called(ctx, string(envelope)).Error(0)
}

func (m *mockSink) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attempts...)
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleMessage(ctx context.Context, unpacked pack.Unpacked) ([]byte, error) {
	args := m.Called(ctx, unpacked)
	return nil, args.Error(0)
}

type harness struct {
	codec     *pack.V1Codec
	mediator  connection.Record
	agentKey  string
	dialer    *mockDialer
	sink      *mockSink
	handler   *mockHandler
	sessions  *transport.Sessions
	registry  *metrics.Registry
	logs      *logging.LogBuffer
	bus       *event.Bus[event.RelayEvent]
	retriever *Retriever
}

var testConfig = Config{
	PollInterval:   20 * time.Millisecond,
	ConnectTimeout: 100 * time.Millisecond,
	StallTimeout:   time.Second,
	BackoffMin:     time.Millisecond,
	BackoffMax:     5 * time.Millisecond,
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	keys, err := pack.NewKeyRing(ctx, store.NewMemory(), "")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	relayKey, _ := keys.Create(ctx)
	mediatorKey, _ := keys.Create(ctx)
	agentKey, _ := keys.Create(ctx)

	h := &harness{
		codec: pack.NewV1Codec(keys),
		mediator: connection.Record{
			ConnectionID:  "med-1",
			Role:          connection.RoleInvitee,
			State:         connection.StateActive,
			Peer:          connection.PeerMediator,
			MyVerkey:      relayKey,
			TheirVerkey:   mediatorKey,
			TheirEndpoint: "ws://mediator.test",
		},
		agentKey: agentKey,
		dialer:   &mockDialer{},
		sink:     &mockSink{},
		handler:  &mockHandler{},
		sessions: transport.NewSessions(),
		registry: &metrics.Registry{},
		logs:     logging.NewLogBuffer(256),
	}
	busCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	h.bus = event.NewBus[event.RelayEvent](busCtx, event.BusOptions{Name: "relay"})
	h.retriever = New(Options{
		Config:   cfg,
		Mediator: h.mediator,
		Codec:    h.codec,
		Dialer:   h.dialer,
		Sink:     h.sink,
		Handler:  h.handler,
		Sessions: h.sessions,
		Bus:      h.bus,
		Metrics:  h.registry,
		Logger:   logging.NewLoggerWithOutput(h.logs, logging.LevelInfo, nil),
	})
	return h
}

// retryWaits returns the retry_in values logged with message, oldest first.
func (h *harness) retryWaits(t *testing.T, message string) []time.Duration {
	t.Helper()
	var waits []time.Duration
	for _, entry := range h.logs.List() {
		if entry.Message != message {
			continue
		}
		wait, err := time.ParseDuration(entry.Context["retry_in"])
		if err != nil {
			t.Fatalf("parse retry_in %q: %v", entry.Context["retry_in"], err)
		}
		waits = append(waits, wait)
	}
	return waits
}

// start runs the retriever until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.retriever.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("retriever did not stop")
		}
	})
}

// forwardEnvelope builds what the mediator delivers: a forward for the
// agent packed anonymously for the relay's key.
func (h *harness) forwardEnvelope(t *testing.T, msg string) []byte {
	t.Helper()
	forward := didcomm.NewForward(h.agentKey, []byte(msg))
	payload, err := json.Marshal(forward)
	if err != nil {
		t.Fatalf("marshal forward: %v", err)
	}
	envelope, err := h.codec.Pack(context.Background(), payload, []string{h.mediator.MyVerkey}, "")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return envelope
}

func (h *harness) metricsText() string {
	var out bytes.Buffer
	_ = h.registry.WritePrometheus(&out)
	return out.String()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func batch(t *testing.T, envelopes ...[]byte) []byte {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(envelopes))
	for _, envelope := range envelopes {
		raw = append(raw, envelope)
	}
	frame, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return frame
}

func TestFlakyDialThenHealthyConnects(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, "ws://mediator.test").Return(nil, errors.New("connection refused")).Twice()
	h.dialer.On("Dial", mock.Anything, "ws://mediator.test").Return(session, nil)

	statuses, unsubscribe := h.bus.SubscribeTypes(event.TypeRelayStatus)
	defer unsubscribe()

	if got := h.retriever.Status(); got != StatusIdle {
		t.Fatalf("expected idle before run, got %s", got)
	}
	h.start(t)
	waitFor(t, 2*time.Second, "connected", func() bool { return h.retriever.Status() == StatusConnected })

	h.dialer.AssertNumberOfCalls(t, "Dial", 3)
	if writer, ok := h.sessions.Get("med-1"); !ok || writer != Session(session) {
		t.Fatalf("expected session registered for the mediator connection")
	}
	first := event.ReceiveWithTimeout(t, statuses, time.Second)
	if first.Status != string(StatusConnecting) {
		t.Fatalf("first status %q", first.Status)
	}

	waitFor(t, time.Second, "probe", func() bool { return len(session.written()) > 0 })
	probe, err := h.codec.Unpack(context.Background(), session.written()[0])
	if err != nil {
		t.Fatalf("unpack probe: %v", err)
	}
	ping, err := didcomm.Decode[didcomm.Ping](probe.Message)
	if err != nil {
		t.Fatalf("decode probe: %v", err)
	}
	if ping.WantsResponse() || !ping.WantsReturnRoute() {
		t.Fatalf("probe should be a return-routed ping without response: %s", probe.Message)
	}
}

func TestOrderedForwardingRetriesHead(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)
	h.sink.On("Deliver", mock.Anything, `{"n":"m1"}`).Return(errors.New("agent unavailable")).Twice()
	h.sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	retries, unsubscribe := h.bus.SubscribeTypes(event.TypeForwardRetryQueued)
	defer unsubscribe()

	h.start(t)
	session.frames <- batch(t,
		h.forwardEnvelope(t, `{"n":"m1"}`),
		h.forwardEnvelope(t, `{"n":"m2"}`),
		h.forwardEnvelope(t, `{"n":"m3"}`),
	)

	waitFor(t, 2*time.Second, "three deliveries", func() bool {
		return len(h.sink.seen()) >= 5
	})
	want := []string{`{"n":"m1"}`, `{"n":"m1"}`, `{"n":"m1"}`, `{"n":"m2"}`, `{"n":"m3"}`}
	got := h.sink.seen()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d delivered %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	for attempt := 1; attempt <= 2; attempt++ {
		evt := event.ReceiveWithTimeout(t, retries, time.Second)
		if evt.Attempt != attempt || evt.Err == "" {
			t.Fatalf("unexpected retry event %+v", evt)
		}
	}
	if text := h.metricsText(); !strings.Contains(text, "edgerelay_forward_retries_total 2") {
		t.Fatalf("retry metric missing:\n%s", text)
	}
}

func TestReconnectAfterFailedLivenessWrite(t *testing.T) {
	h := newHarness(t, testConfig)
	broken := newFakeSession()
	broken.failAfter = 2
	healthy := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(broken, nil).Once()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(healthy, nil)

	h.start(t)
	waitFor(t, 2*time.Second, "second session", func() bool {
		return len(healthy.written()) > 0 && h.retriever.Status() == StatusConnected
	})

	if len(broken.written()) != 2 {
		t.Fatalf("expected two probes on the first session, got %d", len(broken.written()))
	}
	if !broken.isClosed() {
		t.Fatalf("expected the failed session to be closed")
	}
	h.dialer.AssertNumberOfCalls(t, "Dial", 2)
	if writer, _ := h.sessions.Get("med-1"); writer != Session(healthy) {
		t.Fatalf("expected the new session to be registered")
	}
	if text := h.metricsText(); !strings.Contains(text, "edgerelay_reconnects_total 1") {
		t.Fatalf("reconnect metric missing:\n%s", text)
	}
}

func TestStalledSessionReconnects(t *testing.T) {
	cfg := testConfig
	cfg.StallTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	silent := newFakeSession()
	silent.autoPong = false
	healthy := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(silent, nil).Once()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(healthy, nil)

	h.start(t)
	waitFor(t, 2*time.Second, "reconnect after stall", func() bool { return silent.isClosed() })
	waitFor(t, 2*time.Second, "second session", func() bool { return len(healthy.written()) > 0 })
}

func TestBatchWithUndecodableEnvelope(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)
	h.sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	h.start(t)
	garbage := []byte(`{"protected":"bm90IGpzb24","iv":"aXY","ciphertext":"Y3Q","tag":"dGFn"}`)
	session.frames <- batch(t, garbage, h.forwardEnvelope(t, `{"n":"ok"}`))
	session.frames <- []byte("not json")

	waitFor(t, 2*time.Second, "delivery", func() bool { return len(h.sink.seen()) == 1 })
	if got := h.sink.seen()[0]; got != `{"n":"ok"}` {
		t.Fatalf("delivered %s", got)
	}
	waitFor(t, time.Second, "drop metric", func() bool {
		return strings.Contains(h.metricsText(), "edgerelay_envelopes_dropped_total 2")
	})
}

func TestProtocolMessagesGoToHandler(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)
	handled := make(chan pack.Unpacked, 1)
	h.handler.On("HandleMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handled <- args.Get(1).(pack.Unpacked)
	}).Return(nil)

	h.start(t)
	ack, _ := json.Marshal(didcomm.NewAck(didcomm.NewHeader(didcomm.TypePing)))
	envelope, err := h.codec.Pack(context.Background(), ack, []string{h.mediator.MyVerkey}, h.mediator.TheirVerkey)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	session.frames <- envelope

	select {
	case unpacked := <-handled:
		if unpacked.SenderKey != h.mediator.TheirVerkey {
			t.Fatalf("unexpected sender %q", unpacked.SenderKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	h.sink.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestSubmitHeldUntilConnected(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("offline")).Once()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)

	payload := []byte(`{"protected":"cA","iv":"aQ","ciphertext":"Yw","tag":"dA"}`)
	if err := h.retriever.Submit(context.Background(), payload, h.agentKey); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outbound, _ := h.retriever.Pending(); outbound != 1 {
		t.Fatalf("expected one queued item, got %d", outbound)
	}

	h.start(t)
	waitFor(t, 2*time.Second, "outbound flush", func() bool {
		outbound, _ := h.retriever.Pending()
		return outbound == 0
	})

	var found bool
	for _, frame := range session.written() {
		unpacked, err := h.codec.Unpack(context.Background(), frame)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		_, short, _ := didcomm.ParseHeader(unpacked.Message)
		if short != didcomm.TypeForward {
			continue
		}
		if unpacked.RecipientKey != h.mediator.TheirVerkey || unpacked.SenderKey != h.mediator.MyVerkey {
			t.Fatalf("forward packed for %q from %q", unpacked.RecipientKey, unpacked.SenderKey)
		}
		forward, _ := didcomm.Decode[didcomm.Forward](unpacked.Message)
		if forward.To != h.agentKey || string(forward.Msg) != string(payload) {
			t.Fatalf("unexpected forward %+v", forward)
		}
		found = true
	}
	if !found {
		t.Fatalf("forward was not written to the session")
	}
}

func TestSubmitQueueBounded(t *testing.T) {
	cfg := testConfig
	cfg.OutboundQueueSize = 1
	h := newHarness(t, cfg)
	if err := h.retriever.Submit(context.Background(), []byte(`{}`), h.agentKey); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.retriever.Submit(context.Background(), []byte(`{}`), h.agentKey); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig)
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("offline"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.retriever.Run(ctx) }()
	waitFor(t, time.Second, "dial attempt", func() bool { return h.dialer.dials.Load() > 0 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	if got := h.retriever.Status(); got != StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestBackoffResetsAfterLiveSession(t *testing.T) {
	cfg := testConfig
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = time.Second
	h := newHarness(t, cfg)
	first := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Times(6)
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(first, nil).Once()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(newFakeSession(), nil)

	h.start(t)
	waitFor(t, 3*time.Second, "connected", func() bool { return h.retriever.Status() == StatusConnected })
	first.Close()
	waitFor(t, 2*time.Second, "session end", func() bool {
		return len(h.retryWaits(t, "mediator session ended")) > 0
	})

	// Randomization spreads the floor up to half again.
	ceiling := cfg.BackoffMin*3/2 + time.Millisecond
	dialWaits := h.retryWaits(t, "mediator dial failed")
	if len(dialWaits) != 6 {
		t.Fatalf("expected six dial retries, got %v", dialWaits)
	}
	if dialWaits[5] <= ceiling {
		t.Fatalf("expected dial backoff to grow past %s, got %v", ceiling, dialWaits)
	}
	if wait := h.retryWaits(t, "mediator session ended")[0]; wait > ceiling {
		t.Fatalf("expected backoff back at its floor after a live session, got %s", wait)
	}
}

func TestLostStoreStopsRun(t *testing.T) {
	h := newHarness(t, testConfig)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)
	h.sink.On("Deliver", mock.Anything, mock.Anything).Return(store.ErrUnavailable)

	done := make(chan error, 1)
	go func() { done <- h.retriever.Run(context.Background()) }()
	waitFor(t, 2*time.Second, "connected", func() bool { return h.retriever.Status() == StatusConnected })
	session.frames <- h.forwardEnvelope(t, `{"n":"m1"}`)

	select {
	case err := <-done:
		if !errors.Is(err, store.ErrUnavailable) {
			t.Fatalf("expected store.ErrUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run kept going without a store")
	}
	if got := h.retriever.Status(); got != StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if attempts := h.sink.seen(); len(attempts) != 1 {
		t.Fatalf("expected a single delivery attempt, got %v", attempts)
	}
}

func TestForwardBacklogPausesPolling(t *testing.T) {
	cfg := testConfig
	cfg.ForwardQueueSize = 1
	h := newHarness(t, cfg)
	session := newFakeSession()
	h.dialer.On("Dial", mock.Anything, mock.Anything).Return(session, nil)
	h.sink.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("agent offline"))

	h.start(t)
	waitFor(t, time.Second, "first probe", func() bool { return len(session.written()) > 0 })
	session.frames <- h.forwardEnvelope(t, `{"n":"m1"}`)
	waitFor(t, time.Second, "backlog", func() bool {
		_, forwards := h.retriever.Pending()
		return forwards == 1
	})

	time.Sleep(2 * cfg.PollInterval)
	written := len(session.written())
	time.Sleep(5 * cfg.PollInterval)
	if got := len(session.written()); got != written {
		t.Fatalf("expected no probes while backlogged, %d written since", got-written)
	}
	if h.retriever.Status() != StatusConnected {
		t.Fatalf("expected the session to stay up, got %s", h.retriever.Status())
	}
}
