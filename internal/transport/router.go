package transport

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"edgerelay/internal/logging"
	"edgerelay/internal/pack"
)

// SessionWriter is an open duplex session a peer keeps with the relay.
type SessionWriter interface {
	Write(ctx context.Context, envelope []byte) error
}

// Sessions maps connection ids to their live sessions.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]SessionWriter
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]SessionWriter)}
}

// Register makes writer the session for connectionID. The returned func
// removes it unless another session has replaced it since.
func (s *Sessions) Register(connectionID string, writer SessionWriter) func() {
	if s == nil || connectionID == "" || writer == nil {
		return func() {}
	}
	s.mu.Lock()
	s.sessions[connectionID] = writer
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sessions[connectionID] == writer {
			delete(s.sessions, connectionID)
		}
	}
}

func (s *Sessions) Get(connectionID string) (SessionWriter, bool) {
	if s == nil || connectionID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	writer, ok := s.sessions[connectionID]
	return writer, ok
}

type replySlotKey struct{}

// ReplySlot holds the one envelope an inbound HTTP request asked to get
// back in its response body.
type ReplySlot struct {
	mu           sync.Mutex
	senderKey    string
	connectionID string
	envelope     []byte
}

func NewReplySlot(senderKey string) *ReplySlot {
	return &ReplySlot{senderKey: senderKey}
}

// Bind ties the slot to the connection the inbound message resolved to.
func (s *ReplySlot) Bind(connectionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.connectionID = connectionID
	s.mu.Unlock()
}

func (s *ReplySlot) matches(target Target) bool {
	if s.connectionID != "" && target.ConnectionID == s.connectionID {
		return true
	}
	return s.senderKey != "" && slices.Contains(target.RecipientKeys, s.senderKey)
}

func (s *ReplySlot) take(target Target) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envelope != nil || !s.matches(target) {
		return false
	}
	s.envelope = []byte{}
	return true
}

func (s *ReplySlot) fill(envelope []byte) {
	s.mu.Lock()
	s.envelope = envelope
	s.mu.Unlock()
}

func (s *ReplySlot) release() {
	s.mu.Lock()
	s.envelope = nil
	s.mu.Unlock()
}

// Envelope returns the collected reply, or nil.
func (s *ReplySlot) Envelope() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envelope) == 0 {
		return nil
	}
	return s.envelope
}

func WithReplySlot(ctx context.Context, slot *ReplySlot) context.Context {
	return context.WithValue(ctx, replySlotKey{}, slot)
}

func ReplySlotFrom(ctx context.Context) *ReplySlot {
	slot, _ := ctx.Value(replySlotKey{}).(*ReplySlot)
	return slot
}

// ReplyHandler receives envelopes peers return in HTTP response bodies.
type ReplyHandler func(ctx context.Context, envelope []byte)

type RouterOptions struct {
	Codec    pack.Codec
	Client   *HTTPClient
	Sessions *Sessions
	Logger   *logging.Logger
}

// Router is the relay's outbound Sender. It prefers, in order, the reply
// slot of the inbound request being handled, a live session for the
// connection, and an HTTP POST to the peer endpoint.
type Router struct {
	codec    pack.Codec
	client   *HTTPClient
	sessions *Sessions
	logger   *logging.Logger
	onReply  atomic.Pointer[ReplyHandler]
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Client == nil {
		opts.Client = NewHTTPClient(nil)
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Router{
		codec:    opts.Codec,
		client:   opts.Client,
		sessions: opts.Sessions,
		logger:   opts.Logger,
	}
}

func (r *Router) Sessions() *Sessions {
	return r.sessions
}

// SetReplyHandler installs the handler for return-routed replies. Replies
// are handled on their own goroutine, detached from the sending request.
func (r *Router) SetReplyHandler(handler ReplyHandler) {
	if handler == nil {
		r.onReply.Store(nil)
		return
	}
	r.onReply.Store(&handler)
}

func (r *Router) Send(ctx context.Context, target Target, message any) error {
	if slot := ReplySlotFrom(ctx); slot.take(target) {
		direct := target
		direct.RoutingKeys = nil
		envelope, err := Prepare(ctx, r.codec, direct, message)
		if err != nil {
			slot.release()
			return err
		}
		slot.fill(envelope)
		return nil
	}

	envelope, err := Prepare(ctx, r.codec, target, message)
	if err != nil {
		return err
	}

	if writer, ok := r.sessions.Get(target.ConnectionID); ok {
		err := writer.Write(ctx, envelope)
		if err == nil {
			return nil
		}
		r.logger.Warn("session write failed, falling back to endpoint", map[string]string{
			"connection_id": target.ConnectionID,
			"error":         err.Error(),
		})
	}

	if target.Endpoint == "" {
		return ErrNoEndpoint
	}
	reply, err := r.client.Post(ctx, target.Endpoint, envelope)
	if err != nil {
		return err
	}
	if len(reply) > 0 {
		r.dispatchReply(reply)
	}
	return nil
}

func (r *Router) dispatchReply(envelope []byte) {
	handler := r.onReply.Load()
	if handler == nil {
		r.logger.Debug("dropping return-routed reply", nil)
		return
	}
	go (*handler)(context.Background(), envelope)
}
