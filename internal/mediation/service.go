package mediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/otel"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const machineName = "mediation"

var ErrExternalMediationNotEstablished = errors.New("mediation with external mediator not yet established")

// GrantPolicy decides whether a pending grantor record is granted.
type GrantPolicy func(ctx context.Context, record Record) bool

// AlwaysGrant is the default policy.
func AlwaysGrant(context.Context, Record) bool { return true }

// Connections resolves the connection a mediation record belongs to.
type Connections interface {
	Get(ctx context.Context, id string) (connection.Record, error)
}

type Options struct {
	Store       store.Store
	Connections Connections
	Sender      transport.Sender
	Policy      GrantPolicy
	// Upstream returns the granted client mediation that grants to the
	// local agent are built on. Defaults to the newest granted client
	// record.
	Upstream  func(ctx context.Context) (Record, error)
	OnGranted func(ctx context.Context, record Record)
	Logger    *logging.Logger
	Bus       *event.Bus[event.StateEvent]
	Metrics   *metrics.Registry
	Now       func() time.Time
}

type Service struct {
	repo        *Repository
	connections Connections
	sender      transport.Sender
	policy      GrantPolicy
	upstream    func(ctx context.Context) (Record, error)
	onGranted   func(ctx context.Context, record Record)
	logger      *logging.Logger
	bus         *event.Bus[event.StateEvent]
	metrics     *metrics.Registry
	now         func() time.Time
	locks       *store.Locks
}

type followups struct {
	granted []Record
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	policy := opts.Policy
	if policy == nil {
		policy = AlwaysGrant
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{
		repo:        NewRepository(opts.Store),
		connections: opts.Connections,
		sender:      opts.Sender,
		policy:      policy,
		upstream:    opts.Upstream,
		onGranted:   opts.OnGranted,
		logger:      logger.With(map[string]string{"component": machineName}),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		now:         now,
		locks:       store.NewLocks(),
	}
	if s.upstream == nil {
		s.upstream = func(ctx context.Context) (Record, error) {
			return s.repo.Find(ctx, "", RoleClient, StateGranted)
		}
	}
	return s
}

// RequestMediation asks the peer on connectionID to mediate for the relay.
// It fails with ErrConnectionNotActive before anything is sent when the
// connection is still negotiating.
func (s *Service) RequestMediation(ctx context.Context, connectionID string) (Record, error) {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return Record{}, err
	}
	return s.run(ctx, connectionID, func(fx *followups) (Record, error) {
		if pending, err := s.repo.Find(ctx, connectionID, RoleClient, StateRequested); err == nil {
			return pending, didcomm.NewReportable(didcomm.CodeRequestAlreadyPending,
				"mediation request already pending to "+connectionID, nil)
		}
		request := didcomm.NewMediateRequest()
		record := s.newRecord(connectionID, RoleClient)
		record.RequestID = request.ID
		record, effect, err := s.create(ctx, record, Input{Event: EventSendRequest, ConnectionActive: conn.IsActive()})
		if err != nil {
			return record, err
		}
		if effect != EffectSendMediationRequest {
			return record, nil
		}
		if err := s.sender.Send(ctx, conn.Target(), request); err != nil {
			aborted, _, abortErr := s.step(ctx, record.MediationID, Input{Event: EventAbort, Reason: err.Error()})
			return aborted, errors.Join(fmt.Errorf("deliver mediation request: %w", err), abortErr)
		}
		return record, nil
	})
}

// HandleGrant completes the pending client request on connectionID.
func (s *Service) HandleGrant(ctx context.Context, connectionID string, grant didcomm.MediateGrant) (Record, error) {
	return s.run(ctx, connectionID, func(fx *followups) (Record, error) {
		pending, err := s.repo.Find(ctx, connectionID, RoleClient, StateRequested)
		if err != nil {
			return Record{}, didcomm.NewReportable(didcomm.CodeUnexpectedMediationGrant,
				"received unexpected mediation grant message", err)
		}
		return s.apply(ctx, pending.MediationID, Input{
			Event:       EventReceiveGrant,
			Endpoint:    grant.Endpoint,
			RoutingKeys: grant.RoutingKeys,
		}, fx)
	})
}

func (s *Service) HandleDeny(ctx context.Context, connectionID string, deny didcomm.MediateDeny) (Record, error) {
	return s.run(ctx, connectionID, func(fx *followups) (Record, error) {
		pending, err := s.repo.Find(ctx, connectionID, RoleClient, StateRequested)
		if err != nil {
			return Record{}, didcomm.NewReportable(didcomm.CodeUnexpectedMediationGrant,
				"received unexpected mediation deny message", err)
		}
		return s.apply(ctx, pending.MediationID, Input{Event: EventReceiveDeny, Reason: "denied by mediator"}, fx)
	})
}

// HandleRequest runs the grantor side for a mediate-request from the local
// agent. A repeated request after a grant gets the same grant again.
func (s *Service) HandleRequest(ctx context.Context, connectionID string, request didcomm.MediateRequest) (Record, error) {
	return s.run(ctx, connectionID, func(fx *followups) (Record, error) {
		if granted, err := s.repo.Find(ctx, connectionID, RoleGrantor, StateGranted); err == nil {
			granted.RequestID = request.ID
			return granted, s.sendGrant(ctx, granted)
		}
		if _, err := s.repo.Find(ctx, connectionID, RoleGrantor, StateRequested); err == nil {
			return Record{}, didcomm.NewReportable(didcomm.CodeRequestAlreadyPending,
				"mediation request already pending", nil)
		}
		record := s.newRecord(connectionID, RoleGrantor)
		record.RequestID = request.ID
		record, effect, err := s.create(ctx, record, Input{Event: EventReceiveRequest})
		if err != nil {
			return record, err
		}
		return s.execute(ctx, record, effect, fx)
	})
}

// HandleKeylistUpdate acknowledges updates on a granted mediation. Routing
// keys are not touched.
func (s *Service) HandleKeylistUpdate(ctx context.Context, connectionID string, update didcomm.KeylistUpdate) (Record, error) {
	return s.run(ctx, connectionID, func(fx *followups) (Record, error) {
		record, err := s.repo.Find(ctx, connectionID, RoleGrantor, StateGranted)
		if err != nil {
			record, err = s.repo.Find(ctx, connectionID, RoleClient, StateGranted)
		}
		if err != nil {
			return Record{}, err
		}
		record, effect, err := s.step(ctx, record.MediationID, Input{Event: EventKeylistUpdate})
		if err != nil {
			return record, err
		}
		if effect != EffectAckKeylist {
			return record, nil
		}
		conn, err := s.connections.Get(ctx, connectionID)
		if err != nil {
			return record, err
		}
		response := didcomm.NewKeylistUpdateResponse(update)
		if err := s.sender.Send(ctx, conn.Target(), response); err != nil {
			return record, fmt.Errorf("deliver keylist update response: %w", err)
		}
		return record, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	record, _, err := s.repo.Get(ctx, id)
	return record, err
}

func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.repo.List(ctx)
}

func (s *Service) Find(ctx context.Context, connectionID string, role Role, states ...State) (Record, error) {
	return s.repo.Find(ctx, connectionID, role, states...)
}

func (s *Service) newRecord(connectionID string, role Role) Record {
	now := s.now()
	return Record{
		MediationID:  uuid.NewString(),
		ConnectionID: connectionID,
		Role:         role,
		State:        StateNotRequested,
		RoutingKeys:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Service) run(ctx context.Context, connectionID string, fn func(fx *followups) (Record, error)) (Record, error) {
	fx := &followups{}
	unlock := s.locks.Lock(connectionID)
	record, err := fn(fx)
	unlock()
	if s.onGranted != nil {
		for _, granted := range fx.granted {
			s.onGranted(ctx, granted)
		}
	}
	return record, err
}

func (s *Service) create(ctx context.Context, record Record, input Input) (Record, Effect, error) {
	next, effect, err := Advance(record, input)
	if err != nil {
		s.observe(ctx, record, record, input, err)
		return record, EffectNone, err
	}
	next.UpdatedAt = s.now()
	if _, err := s.repo.Save(ctx, next, 0); err != nil {
		return record, EffectNone, fmt.Errorf("persist mediation %s: %w", record.MediationID, err)
	}
	s.observe(ctx, record, next, input, nil)
	return next, effect, nil
}

func (s *Service) step(ctx context.Context, id string, input Input) (result Record, effect Effect, err error) {
	ctx, span := otel.StartSpan(ctx, otel.SpanMediationTransition,
		attribute.String("mediation.id", id),
		attribute.String("mediation.event", string(input.Event)),
	)
	defer func() { otel.EndSpan(span, err) }()

	for attempt := 0; ; attempt++ {
		current, version, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return Record{}, EffectNone, getErr
		}
		next, nextEffect, machineErr := Advance(current, input)
		if machineErr != nil && next.State == current.State {
			s.observe(ctx, current, current, input, machineErr)
			return current, EffectNone, machineErr
		}
		next.UpdatedAt = s.now()
		_, saveErr := s.repo.Save(ctx, next, version)
		if errors.Is(saveErr, store.ErrConflict) && attempt == 0 {
			continue
		}
		if saveErr != nil {
			return current, EffectNone, fmt.Errorf("persist mediation %s: %w", id, saveErr)
		}
		s.observe(ctx, current, next, input, machineErr)
		return next, nextEffect, machineErr
	}
}

func (s *Service) apply(ctx context.Context, id string, input Input, fx *followups) (Record, error) {
	record, effect, err := s.step(ctx, id, input)
	if effect == EffectNone {
		return record, err
	}
	record, execErr := s.execute(ctx, record, effect, fx)
	return record, errors.Join(err, execErr)
}

func (s *Service) execute(ctx context.Context, record Record, effect Effect, fx *followups) (Record, error) {
	switch effect {
	case EffectMediationGranted:
		fx.granted = append(fx.granted, record)
		return record, nil

	case EffectDecideGrant:
		upstream, err := s.upstream(ctx)
		if err != nil || !upstream.IsGranted() {
			denied, denyErr := s.apply(ctx, record.MediationID, Input{
				Event:  EventDeny,
				Reason: ErrExternalMediationNotEstablished.Error(),
			}, fx)
			s.report(ctx, denied, didcomm.CodeExternalMediationNotEstablished, ErrExternalMediationNotEstablished.Error())
			return denied, errors.Join(ErrExternalMediationNotEstablished, denyErr)
		}
		if !s.policy(ctx, record) {
			return s.apply(ctx, record.MediationID, Input{Event: EventDeny, Reason: "denied by grant policy"}, fx)
		}
		routingKeys, err := s.grantRoutingKeys(ctx, upstream)
		if err != nil {
			return s.apply(ctx, record.MediationID, Input{Event: EventDeny, Reason: err.Error()}, fx)
		}
		return s.apply(ctx, record.MediationID, Input{
			Event:       EventGrant,
			Endpoint:    upstream.Endpoint,
			RoutingKeys: routingKeys,
		}, fx)

	case EffectSendGrant:
		return record, s.sendGrant(ctx, record)

	case EffectSendDeny:
		conn, err := s.connections.Get(ctx, record.ConnectionID)
		if err != nil {
			return record, err
		}
		deny := didcomm.NewMediateDeny(didcomm.Header{ID: record.RequestID})
		if err := s.sender.Send(ctx, conn.Target(), deny); err != nil {
			return record, fmt.Errorf("deliver mediation deny: %w", err)
		}
		return record, nil
	}
	return record, nil
}

// grantRoutingKeys puts the relay's own key on the mediator connection in
// front of the external mediator's keys, all as did:key.
func (s *Service) grantRoutingKeys(ctx context.Context, upstream Record) ([]string, error) {
	mediatorConn, err := s.connections.Get(ctx, upstream.ConnectionID)
	if err != nil {
		return nil, err
	}
	own, err := didcomm.VerkeyToDIDKey(mediatorConn.MyVerkey)
	if err != nil {
		return nil, err
	}
	keys := []string{own}
	for _, key := range upstream.RoutingKeys {
		normalized, err := didcomm.NormalizeDIDKey(key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, normalized)
	}
	return keys, nil
}

func (s *Service) sendGrant(ctx context.Context, record Record) error {
	conn, err := s.connections.Get(ctx, record.ConnectionID)
	if err != nil {
		return err
	}
	grant := didcomm.NewMediateGrant(didcomm.Header{ID: record.RequestID}, record.Endpoint, record.RoutingKeys)
	if err := s.sender.Send(ctx, conn.Target(), grant); err != nil {
		return fmt.Errorf("deliver mediation grant: %w", err)
	}
	return nil
}

func (s *Service) report(ctx context.Context, record Record, code, message string) {
	conn, err := s.connections.Get(ctx, record.ConnectionID)
	if err != nil {
		return
	}
	report := didcomm.NewProblemReport(&didcomm.Header{ID: record.RequestID}, code, message)
	if err := s.sender.Send(ctx, conn.Target(), report); err != nil {
		s.logger.Debug("problem report not delivered", map[string]string{
			"mediation_id": record.MediationID,
			"error":        err.Error(),
		})
	}
}

func (s *Service) observe(ctx context.Context, before, after Record, input Input, err error) {
	s.metrics.RecordTransition(machineName, string(after.State), err)
	fields := map[string]string{
		"mediation_id":  after.MediationID,
		"connection_id": after.ConnectionID,
		"role":          string(after.Role),
		"event":         string(input.Event),
		"from":          string(before.State),
		"to":            string(after.State),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("mediation transition rejected", fields)
	} else if before.State != after.State {
		s.logger.Info("mediation state changed", fields)
	} else {
		s.logger.Debug("mediation event applied", fields)
	}
	if before.State != after.State {
		otel.RecordSpanEvent(ctx, "state."+string(after.State))
		s.bus.Publish(event.NewStateEvent(event.TypeMediationState, after.MediationID, string(after.Role), string(before.State), string(after.State)))
	}
}
