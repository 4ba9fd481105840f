package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/pack"
	"edgerelay/internal/store"
)

type fixture struct {
	codec *pack.V1Codec
	keys  *pack.KeyRing
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	keys, err := pack.NewKeyRing(context.Background(), store.NewMemory(), "")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return fixture{codec: pack.NewV1Codec(keys), keys: keys}
}

func (f fixture) key(t *testing.T) string {
	t.Helper()
	verkey, err := f.keys.Create(context.Background())
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return verkey
}

type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *recordingWriter) Write(ctx context.Context, envelope []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, envelope)
	return nil
}

func TestMarshalAddsReturnRoute(t *testing.T) {
	payload, err := Marshal(didcomm.NewAck(didcomm.NewHeader(didcomm.TypePing)), true)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	header, _, err := didcomm.ParseHeader(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !header.WantsReturnRoute() {
		t.Fatalf("expected return route in %s", payload)
	}

	plain, err := Marshal(didcomm.NewAck(didcomm.NewHeader(didcomm.TypePing)), false)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(plain), "~transport") {
		t.Fatalf("unexpected decorator in %s", plain)
	}
}

func TestPrepareWrapsRoutingKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sender := f.key(t)
	recipient := f.key(t)
	mediator := f.key(t)
	mediatorDIDKey, err := didcomm.VerkeyToDIDKey(mediator)
	if err != nil {
		t.Fatalf("did:key: %v", err)
	}

	envelope, err := Prepare(ctx, f.codec, Target{
		RecipientKeys: []string{recipient},
		RoutingKeys:   []string{mediatorDIDKey},
		SenderKey:     sender,
	}, didcomm.NewLivenessPing())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	outer, err := f.codec.Unpack(ctx, envelope)
	if err != nil {
		t.Fatalf("unpack outer: %v", err)
	}
	if outer.RecipientKey != mediator || outer.SenderKey != "" {
		t.Fatalf("outer layer addressed to %q from %q", outer.RecipientKey, outer.SenderKey)
	}
	forward, err := didcomm.Decode[didcomm.Forward](outer.Message)
	if err != nil {
		t.Fatalf("decode forward: %v", err)
	}
	if forward.To != recipient {
		t.Fatalf("forward to %q, want %q", forward.To, recipient)
	}
	inner, err := f.codec.Unpack(ctx, forward.Msg)
	if err != nil {
		t.Fatalf("unpack inner: %v", err)
	}
	if inner.RecipientKey != recipient || inner.SenderKey != sender {
		t.Fatalf("inner layer %q from %q", inner.RecipientKey, inner.SenderKey)
	}
	if _, short, err := didcomm.ParseHeader(inner.Message); err != nil || short != didcomm.TypePing {
		t.Fatalf("inner message %q: %v", short, err)
	}
}

func TestPrepareRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	if _, err := Prepare(context.Background(), f.codec, Target{}, didcomm.NewLivenessPing()); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestRouterPostsAndDispatchesReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	relayKey := f.key(t)
	peerKey := f.key(t)

	reply, err := Prepare(ctx, f.codec, Target{RecipientKeys: []string{relayKey}, SenderKey: peerKey}, didcomm.NewAck(didcomm.NewHeader(didcomm.TypePing)))
	if err != nil {
		t.Fatalf("prepare reply: %v", err)
	}

	contentTypes := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentTypes <- r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if !pack.IsEnvelope(body) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", pack.MediaTypeEnvelope)
		_, _ = w.Write(reply)
	}))
	defer server.Close()

	router := NewRouter(RouterOptions{Codec: f.codec})
	replies := make(chan []byte, 1)
	router.SetReplyHandler(func(ctx context.Context, envelope []byte) {
		replies <- envelope
	})

	err = router.Send(ctx, Target{
		ConnectionID:  "conn-1",
		RecipientKeys: []string{peerKey},
		SenderKey:     relayKey,
		Endpoint:      server.URL,
		ReturnRoute:   true,
	}, didcomm.NewLivenessPing())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if contentType := <-contentTypes; contentType != pack.MediaTypeEnvelope {
		t.Fatalf("content type %q", contentType)
	}
	select {
	case got := <-replies:
		unpacked, err := f.codec.Unpack(ctx, got)
		if err != nil {
			t.Fatalf("unpack reply: %v", err)
		}
		if unpacked.SenderKey != peerKey {
			t.Fatalf("reply from %q", unpacked.SenderKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply handler not called")
	}
}

func TestRouterReportsHTTPFailure(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	router := NewRouter(RouterOptions{Codec: f.codec})
	err := router.Send(context.Background(), Target{RecipientKeys: []string{f.key(t)}, Endpoint: server.URL}, didcomm.NewLivenessPing())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	err = router.Send(context.Background(), Target{RecipientKeys: []string{f.key(t)}}, didcomm.NewLivenessPing())
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestRouterFillsReplySlotOnce(t *testing.T) {
	f := newFixture(t)
	peerKey := f.key(t)
	router := NewRouter(RouterOptions{Codec: f.codec})
	writer := &recordingWriter{}
	router.Sessions().Register("conn-1", writer)

	slot := NewReplySlot(peerKey)
	ctx := WithReplySlot(context.Background(), slot)
	target := Target{ConnectionID: "conn-1", RecipientKeys: []string{peerKey}, RoutingKeys: []string{f.key(t)}}

	if err := router.Send(ctx, target, didcomm.NewLivenessPing()); err != nil {
		t.Fatalf("send: %v", err)
	}
	envelope := slot.Envelope()
	if envelope == nil {
		t.Fatalf("expected reply slot to be filled")
	}
	unpacked, err := f.codec.Unpack(context.Background(), envelope)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if unpacked.RecipientKey != peerKey {
		t.Fatalf("reply slot envelope addressed to %q; routing keys should be skipped", unpacked.RecipientKey)
	}

	if err := router.Send(ctx, target, didcomm.NewLivenessPing()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if len(writer.frames) != 1 {
		t.Fatalf("second message should use the session, got %d frames", len(writer.frames))
	}
}

func TestSessionsUnregisterKeepsReplacement(t *testing.T) {
	sessions := NewSessions()
	first := &recordingWriter{}
	second := &recordingWriter{}
	unregisterFirst := sessions.Register("conn", first)
	sessions.Register("conn", second)
	unregisterFirst()

	got, ok := sessions.Get("conn")
	if !ok || got != second {
		t.Fatalf("expected replacement session to stay registered")
	}
}

func TestEndpointRewrites(t *testing.T) {
	cases := map[string]string{
		"https://mediator.example/ws": "wss://mediator.example/ws",
		"http://localhost:8000":       "ws://localhost:8000",
		"wss://mediator.example":      "wss://mediator.example",
	}
	for input, want := range cases {
		got, err := WebSocketURL(input)
		if err != nil || got != want {
			t.Fatalf("WebSocketURL(%q) = %q, %v", input, got, err)
		}
	}
	if got, err := HTTPURL("wss://mediator.example"); err != nil || got != "https://mediator.example" {
		t.Fatalf("HTTPURL = %q, %v", got, err)
	}
	if _, err := WebSocketURL("didcomm:transport/queue"); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestWSDialerRoundTrip(t *testing.T) {
	userAgent := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent <- r.UserAgent()
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewWSConn(conn)
		defer session.Close()
		for {
			frame, err := session.Read()
			if err != nil {
				return
			}
			batch, _ := json.Marshal([]json.RawMessage{frame, frame})
			if err := session.Write(context.Background(), batch); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := NewWSDialer(time.Second).Dial(ctx, server.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer session.Close()

	if agent := <-userAgent; !strings.HasPrefix(agent, "edgerelay/") {
		t.Fatalf("user agent %q", agent)
	}

	pong := make(chan struct{}, 1)
	session.SetPongHandler(func() {
		select {
		case pong <- struct{}{}:
		default:
		}
	})

	if err := session.Write(ctx, []byte(`{"protected":"a","ciphertext":"b"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := session.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	frame, err := session.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(frame, &batch); err != nil || len(batch) != 2 {
		t.Fatalf("unexpected frame %s: %v", frame, err)
	}

	go func() {
		_, _ = session.Read()
	}()
	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatalf("pong not observed")
	}

	_ = session.Close()
	if err := session.Write(ctx, []byte("{}")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
