// Package relay wires the protocol services into one running edge relay:
// it remembers which records govern the relay, reacts to connections and
// mediations completing and owns the retriever's lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/dispatch"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/mediation"
	"edgerelay/internal/metrics"
	"edgerelay/internal/otel"
	"edgerelay/internal/pack"
	"edgerelay/internal/retriever"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"
)

var (
	ErrMediatorNotConnected = errors.New("mediator connection not established")
	ErrAgentNotConnected    = errors.New("agent connection not established")
)

type Options struct {
	Store store.Store
	// Keys defaults to an unencrypted key ring on Store.
	Keys     *pack.KeyRing
	Label    string
	Endpoint string
	AckGrace time.Duration
	// AutoRequest asks the mediator for mediation as soon as the mediator
	// connection becomes active.
	AutoRequest bool
	// MediatorInvitation is accepted on start when no mediator connection
	// exists yet.
	MediatorInvitation string
	Retriever          retriever.Config
	Policy             mediation.GrantPolicy
	HTTPClient         *transport.HTTPClient
	Dialer             retriever.Dialer
	Logger             *logging.Logger
	StateBus           *event.Bus[event.StateEvent]
	RelayBus           *event.Bus[event.RelayEvent]
	Metrics            *metrics.Registry
	Instruments        *otel.RelayInstruments
}

// Context is the relay's application context, passed explicitly to the
// admin surface and the daemon.
type Context struct {
	opts        Options
	store       store.Store
	ids         *Identifiers
	codec       pack.Codec
	router      *transport.Router
	http        *transport.HTTPClient
	dialer      retriever.Dialer
	connections *connection.Service
	mediations  *mediation.Service
	dispatcher  *dispatch.Dispatcher
	logger      *logging.Logger

	base   context.Context
	cancel context.CancelFunc
	fatal  chan error
	tasks  sync.WaitGroup

	mu            sync.Mutex
	retriever     *retriever.Retriever
	stopRetriever context.CancelFunc
	retrieverDone chan struct{}
}

func New(ctx context.Context, opts Options) (*Context, error) {
	if opts.Store == nil {
		return nil, errors.New("relay needs a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	keys := opts.Keys
	if keys == nil {
		ring, err := pack.NewKeyRing(ctx, opts.Store, "")
		if err != nil {
			return nil, err
		}
		keys = ring
	}
	client := opts.HTTPClient
	if client == nil {
		client = transport.NewHTTPClient(nil)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = retriever.NewWebSocketDialer(transport.NewWSDialer(opts.Retriever.ConnectTimeout))
	}

	codec := pack.NewV1Codec(keys)
	router := transport.NewRouter(transport.RouterOptions{
		Codec:  codec,
		Client: client,
		Logger: logger.With(map[string]string{"component": "transport"}),
	})

	c := &Context{
		opts:   opts,
		store:  opts.Store,
		ids:    NewIdentifiers(opts.Store),
		codec:  codec,
		router: router,
		http:   client,
		dialer: dialer,
		logger: logger.With(map[string]string{"component": "relay"}),
		fatal:  make(chan error, 1),
	}
	c.base, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	c.connections = connection.NewService(connection.Options{
		Store:    opts.Store,
		Keys:     keys,
		Sender:   router,
		Label:    opts.Label,
		Endpoint: opts.Endpoint,
		AckGrace: opts.AckGrace,
		Logger:   logger,
		Bus:      opts.StateBus,
		Metrics:  opts.Metrics,
		OnActive: c.onConnectionActive,
	})
	c.mediations = mediation.NewService(mediation.Options{
		Store:       opts.Store,
		Connections: c.connections,
		Sender:      router,
		Policy:      opts.Policy,
		Upstream:    c.upstreamMediation,
		OnGranted:   c.onMediationGranted,
		Logger:      logger,
		Bus:         opts.StateBus,
		Metrics:     opts.Metrics,
	})
	c.dispatcher = dispatch.New(dispatch.Options{
		Codec:       codec,
		Connections: c.connections,
		Mediations:  c.mediations,
		Forwards:    c,
		Sender:      router,
		Logger:      logger.With(map[string]string{"component": "dispatch"}),
	})
	router.SetReplyHandler(c.handleReply)
	return c, nil
}

func (c *Context) Connections() *connection.Service {
	return c.connections
}

func (c *Context) Mediations() *mediation.Service {
	return c.mediations
}

func (c *Context) Identifiers() *Identifiers {
	return c.ids
}

// Run resumes persisted state and keeps the relay going until ctx ends, the
// retriever fails or the store becomes unavailable.
func (c *Context) Run(ctx context.Context) error {
	if err := c.Resume(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.fatal:
		return err
	}
}

// Resume picks up where a previous process stopped: ack timers, the
// retriever for a granted mediation, a pending mediation request and the
// configured mediator invitation.
func (c *Context) Resume(ctx context.Context) error {
	if err := c.connections.ResumeTimers(ctx); err != nil {
		return err
	}

	clientID, err := c.ids.Get(ctx, IdentifierMediationClient)
	if err != nil {
		return err
	}
	if clientID != "" {
		record, err := c.mediations.Get(ctx, clientID)
		if err != nil && !errors.Is(err, mediation.ErrNotFound) {
			return err
		}
		if err == nil && record.IsGranted() {
			c.logger.Info("resuming relay session", map[string]string{"mediation_id": record.MediationID})
			return c.startRetriever(ctx, record)
		}
	}

	mediator, err := c.current(ctx, IdentifierMediator)
	if err != nil && !errors.Is(err, connection.ErrNotFound) {
		return err
	}
	if err == nil && mediator.IsActive() {
		if c.opts.AutoRequest {
			c.requestMediationAsync(ctx, mediator)
		}
		return nil
	}
	if err == nil && !mediator.IsTerminal() {
		return nil
	}

	if strings.TrimSpace(c.opts.MediatorInvitation) == "" {
		return nil
	}
	if _, err := c.ReceiveMediatorInvitation(ctx, c.opts.MediatorInvitation); err != nil {
		if errors.Is(err, connection.ErrInvitationReplayed) {
			return nil
		}
		c.logger.Warn("configured mediator invitation failed", map[string]string{"error": err.Error()})
	}
	return nil
}

// Close stops the retriever and background work.
func (c *Context) Close() {
	c.cancel()
	c.haltRetriever()
	c.tasks.Wait()
	c.connections.Close()
}

// IssueAgentInvitation creates the invitation the local agent uses to
// connect to the relay.
func (c *Context) IssueAgentInvitation(ctx context.Context) (connection.Record, string, error) {
	record, link, err := c.connections.IssueInvitation(ctx, connection.PeerAgent)
	return record, link, c.check(err)
}

// ReceiveMediatorInvitation connects to the external mediator. The relay
// advertises no endpoint to the mediator and relies on return routes.
func (c *Context) ReceiveMediatorInvitation(ctx context.Context, invitationURL string) (connection.Record, error) {
	invitation, err := didcomm.ParseInvitationURL(invitationURL)
	if err != nil {
		return connection.Record{}, err
	}
	record, err := c.connections.ReceiveInvitation(ctx, invitation, connection.PeerMediator, "")
	if err != nil {
		return record, c.check(err)
	}
	if err := c.ids.Set(ctx, IdentifierMediator, record.ConnectionID); err != nil {
		return record, c.check(err)
	}
	return record, nil
}

// RequestMediation asks the mediator connection, or connectionID when set,
// for mediation.
func (c *Context) RequestMediation(ctx context.Context, connectionID string) (mediation.Record, error) {
	if connectionID == "" {
		id, err := c.ids.Get(ctx, IdentifierMediator)
		if err != nil {
			return mediation.Record{}, c.check(err)
		}
		if id == "" {
			return mediation.Record{}, ErrMediatorNotConnected
		}
		connectionID = id
	}
	record, err := c.mediations.RequestMediation(ctx, connectionID)
	return record, c.check(err)
}

// HandleInbound processes one envelope posted to the relay and returns the
// return-routed reply, if any.
func (c *Context) HandleInbound(ctx context.Context, envelope []byte) ([]byte, error) {
	reply, err := c.dispatcher.Handle(ctx, envelope)
	return reply, c.check(err)
}

func (c *Context) handleReply(ctx context.Context, envelope []byte) {
	if _, err := c.dispatcher.Handle(ctx, envelope); c.check(err) != nil {
		c.logger.Warn("return-routed reply not handled", map[string]string{"error": err.Error()})
	}
}

// check passes err through. A store that can no longer be reached is
// fatal: Run returns the first such error.
func (c *Context) check(err error) error {
	if err == nil || !errors.Is(err, store.ErrUnavailable) {
		return err
	}
	select {
	case c.fatal <- err:
		c.logger.Error("store unavailable, stopping relay", map[string]string{"error": err.Error()})
	default:
	}
	return err
}

func (c *Context) current(ctx context.Context, name string) (connection.Record, error) {
	id, err := c.ids.Get(ctx, name)
	if err != nil {
		return connection.Record{}, err
	}
	if id == "" {
		return connection.Record{}, fmt.Errorf("%w: no %s connection", connection.ErrNotFound, name)
	}
	return c.connections.Get(ctx, id)
}

func (c *Context) onConnectionActive(ctx context.Context, record connection.Record) {
	switch record.Peer {
	case connection.PeerMediator:
		if err := c.ids.Set(ctx, IdentifierMediator, record.ConnectionID); err != nil {
			c.logger.Error("persist mediator connection", map[string]string{"error": err.Error()})
			c.check(err)
			return
		}
		c.logger.Info("mediator connection active", map[string]string{"connection_id": record.ConnectionID})
		if c.opts.AutoRequest {
			c.requestMediationAsync(ctx, record)
		}
	case connection.PeerAgent:
		if err := c.ids.Set(ctx, IdentifierAgent, record.ConnectionID); err != nil {
			c.logger.Error("persist agent connection", map[string]string{"error": err.Error()})
			c.check(err)
			return
		}
		c.logger.Info("agent connection active", map[string]string{"connection_id": record.ConnectionID})
	}
}

func (c *Context) requestMediationAsync(ctx context.Context, record connection.Record) {
	if _, err := c.mediations.Find(ctx, record.ConnectionID, mediation.RoleClient, mediation.StateRequested, mediation.StateGranted); err == nil {
		return
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		if _, err := c.mediations.RequestMediation(c.base, record.ConnectionID); c.check(err) != nil {
			c.logger.Warn("mediation request failed", map[string]string{
				"connection_id": record.ConnectionID,
				"error":         err.Error(),
			})
		}
	}()
}

func (c *Context) onMediationGranted(ctx context.Context, record mediation.Record) {
	switch record.Role {
	case mediation.RoleClient:
		if err := c.ids.Set(ctx, IdentifierMediationClient, record.MediationID); err != nil {
			c.logger.Error("persist client mediation", map[string]string{"error": err.Error()})
			c.check(err)
			return
		}
		if err := c.startRetriever(ctx, record); err != nil {
			c.logger.Error("start relay session", map[string]string{"error": err.Error()})
			c.check(err)
		}
	case mediation.RoleGrantor:
		if err := c.ids.Set(ctx, IdentifierMediationGrantor, record.MediationID); err != nil {
			c.logger.Error("persist grantor mediation", map[string]string{"error": err.Error()})
			c.check(err)
		}
	}
}

// upstreamMediation is the granted client mediation the agent's grant is
// built on.
func (c *Context) upstreamMediation(ctx context.Context) (mediation.Record, error) {
	id, err := c.ids.Get(ctx, IdentifierMediationClient)
	if err != nil {
		return mediation.Record{}, err
	}
	if id == "" {
		return mediation.Record{}, fmt.Errorf("%w: no client mediation", mediation.ErrNotFound)
	}
	return c.mediations.Get(ctx, id)
}
