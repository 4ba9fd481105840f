package relay

import (
	"context"
	"errors"
	"strings"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/mediation"
	"edgerelay/internal/retriever"
	"edgerelay/internal/transport"
)

// startRetriever starts the relay session for a granted client mediation.
// A running retriever for the same connection is kept.
func (c *Context) startRetriever(ctx context.Context, grant mediation.Record) error {
	mediator, err := c.connections.Get(ctx, grant.ConnectionID)
	if err != nil {
		return err
	}
	if !mediator.IsActive() {
		return ErrMediatorNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base.Err() != nil {
		return c.base.Err()
	}
	if c.retriever != nil && c.retriever.ConnectionID() == mediator.ConnectionID {
		return nil
	}
	c.haltRetrieverLocked()

	r := retriever.New(retriever.Options{
		Config:      c.opts.Retriever,
		Mediator:    mediator,
		Endpoint:    sessionEndpoint(mediator, grant),
		Codec:       c.codec,
		Dialer:      c.dialer,
		Sink:        agentSink{c: c},
		Handler:     c.dispatcher,
		Sessions:    c.router.Sessions(),
		Logger:      c.opts.Logger,
		Bus:         c.opts.RelayBus,
		Metrics:     c.opts.Metrics,
		Instruments: c.opts.Instruments,
	})
	runCtx, stop := context.WithCancel(c.base)
	done := make(chan struct{})
	c.retriever = r
	c.stopRetriever = stop
	c.retrieverDone = done

	go func() {
		defer close(done)
		if err := r.Run(runCtx); err != nil {
			c.logger.Error("relay session failed", map[string]string{"error": err.Error()})
			select {
			case c.fatal <- err:
			default:
			}
		}
	}()
	c.logger.Info("relay session started", map[string]string{
		"connection_id": mediator.ConnectionID,
		"endpoint":      r.Endpoint(),
	})
	return nil
}

func (c *Context) haltRetriever() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltRetrieverLocked()
}

func (c *Context) haltRetrieverLocked() {
	if c.stopRetriever == nil {
		return
	}
	c.stopRetriever()
	<-c.retrieverDone
	c.retriever = nil
	c.stopRetriever = nil
	c.retrieverDone = nil
}

// Retriever returns the running retriever, or nil before mediation is
// granted.
func (c *Context) Retriever() *retriever.Retriever {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retriever
}

// sessionEndpoint prefers a websocket endpoint from the connection or the
// grant and otherwise dials the connection endpoint over websocket.
func sessionEndpoint(mediator connection.Record, grant mediation.Record) string {
	for _, candidate := range []string{mediator.TheirEndpoint, grant.Endpoint} {
		if strings.HasPrefix(candidate, "ws://") || strings.HasPrefix(candidate, "wss://") {
			return candidate
		}
	}
	if mediator.TheirEndpoint != "" {
		return mediator.TheirEndpoint
	}
	return grant.Endpoint
}

// FromMediator hands a forward received outside the relay session to the
// ordered forwarder.
func (c *Context) FromMediator(ctx context.Context, conn connection.Record, forward didcomm.Forward) error {
	if err := c.authorizeForward(ctx, conn, IdentifierMediator); err != nil {
		return err
	}
	if r := c.Retriever(); r != nil {
		r.Enqueue(forward)
		return nil
	}
	return agentSink{c: c}.Deliver(ctx, forward.Msg)
}

// FromAgent sends agent traffic out through the external mediator.
func (c *Context) FromAgent(ctx context.Context, conn connection.Record, forward didcomm.Forward) error {
	if err := c.authorizeForward(ctx, conn, IdentifierAgent); err != nil {
		return err
	}
	r := c.Retriever()
	if r == nil {
		return didcomm.NewReportable(didcomm.CodeExternalMediationNotEstablished,
			"mediation with external mediator not yet established", nil)
	}
	return r.Submit(ctx, forward.Msg, forward.To)
}

func (c *Context) authorizeForward(ctx context.Context, conn connection.Record, from string) error {
	agentID, err := c.ids.Get(ctx, IdentifierAgent)
	if err != nil {
		return err
	}
	if agentID == "" {
		return didcomm.NewReportable(didcomm.CodeAgentConnectionNotEstablished,
			"connection to the agent has not yet been established", ErrAgentNotConnected)
	}
	mediatorID, err := c.ids.Get(ctx, IdentifierMediator)
	if err != nil {
		return err
	}
	if mediatorID == "" {
		return didcomm.NewReportable(didcomm.CodeMediatorConnectionNotEstablished,
			"connection to the mediator has not yet been established", ErrMediatorNotConnected)
	}
	expected := mediatorID
	if from == IdentifierAgent {
		expected = agentID
	}
	if conn.ConnectionID != expected {
		return didcomm.NewReportable(didcomm.CodeForwardFromUnauthorizedConnection,
			"forward messages are not accepted from this connection", nil)
	}
	return nil
}

// agentSink posts forwarded envelopes to the agent unchanged, over the
// agent's websocket when it keeps one open.
type agentSink struct {
	c *Context
}

func (s agentSink) Deliver(ctx context.Context, envelope []byte) error {
	agent, err := s.c.current(ctx, IdentifierAgent)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return ErrAgentNotConnected
		}
		return err
	}
	if !agent.IsActive() {
		return ErrAgentNotConnected
	}
	if writer, ok := s.c.router.Sessions().Get(agent.ConnectionID); ok {
		if err := writer.Write(ctx, envelope); err == nil {
			return nil
		}
	}
	if agent.TheirEndpoint == "" {
		return transport.ErrNoEndpoint
	}
	_, err = s.c.http.Post(ctx, agent.TheirEndpoint, envelope)
	return err
}

// ServeSession handles an agent websocket until it closes. The session is
// registered for the connection its messages resolve to, so replies and
// forwards reach the agent over it.
func (c *Context) ServeSession(ctx context.Context, session *transport.WSConn) {
	defer session.Close()
	var unregister func()
	defer func() {
		if unregister != nil {
			unregister()
		}
	}()
	for {
		frame, err := session.Read()
		if err != nil {
			return
		}
		unpacked, err := c.codec.Unpack(ctx, frame)
		if err != nil {
			c.logger.Warn("dropping undecodable envelope", map[string]string{"error": err.Error()})
			continue
		}
		if unregister == nil {
			if conn, err := c.connections.FindByKey(ctx, unpacked.RecipientKey); err == nil {
				unregister = c.router.Sessions().Register(conn.ConnectionID, session)
			}
		}
		reply, err := c.dispatcher.HandleMessage(ctx, unpacked)
		if c.check(err) != nil {
			continue
		}
		if len(reply) > 0 {
			if err := session.Write(ctx, reply); err != nil {
				return
			}
		}
	}
}
