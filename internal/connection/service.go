package connection

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/otel"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/attribute"
)

const machineName = "connection"

var (
	ErrInvitationReplayed = errors.New("invitation already consumed")
	ErrPeerConnected      = errors.New("peer already has an active connection")
)

const reasonSuperseded = "superseded by a newer invitation"

// Keys creates and resolves the relay's ed25519 keys.
type Keys interface {
	Create(ctx context.Context) (string, error)
	PrivateKey(ctx context.Context, verkey string) (ed25519.PrivateKey, error)
}

type Options struct {
	Store    store.Store
	Keys     Keys
	Sender   transport.Sender
	Label    string
	Endpoint string
	// AckGrace promotes a responded connection to active when no ack
	// arrives in time. Zero disables promotion.
	AckGrace time.Duration
	Logger   *logging.Logger
	Bus      *event.Bus[event.StateEvent]
	Metrics  *metrics.Registry
	// OnActive runs after a connection becomes active, outside the record
	// lock.
	OnActive func(ctx context.Context, record Record)
	Now      func() time.Time
}

type Service struct {
	repo     *Repository
	keys     Keys
	sender   transport.Sender
	label    string
	endpoint string
	ackGrace time.Duration
	logger   *logging.Logger
	bus      *event.Bus[event.StateEvent]
	metrics  *metrics.Registry
	onActive func(ctx context.Context, record Record)
	now      func() time.Time
	locks    *store.Locks
	timers   *xsync.Map[string, *time.Timer]
	closed   atomic.Bool
}

type followups struct {
	activated []Record
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     NewRepository(opts.Store),
		keys:     opts.Keys,
		sender:   opts.Sender,
		label:    opts.Label,
		endpoint: opts.Endpoint,
		ackGrace: opts.AckGrace,
		logger:   logger.With(map[string]string{"component": machineName}),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		onActive: opts.OnActive,
		now:      now,
		locks:    store.NewLocks(),
		timers:   xsync.NewMap[string, *time.Timer](),
	}
}

// IssueInvitation creates an inviter record and returns it with the
// invitation URL to hand to the peer.
func (s *Service) IssueInvitation(ctx context.Context, peer Peer) (Record, string, error) {
	unlock := s.locks.Lock(peerLockKey(peer))
	defer unlock()
	if err := s.claimPeer(ctx, peer); err != nil {
		return Record{}, "", err
	}

	invitationKey, err := s.keys.Create(ctx)
	if err != nil {
		return Record{}, "", fmt.Errorf("create invitation key: %w", err)
	}
	record, err := s.newRecord(ctx, RoleInviter, peer, s.endpoint)
	if err != nil {
		return Record{}, "", err
	}
	invitation := didcomm.NewInvitation(s.label, invitationKey, s.endpoint)
	record.Invitation = &invitation
	record.InvitationKey = invitationKey

	record, _, err = s.create(ctx, record, Input{Event: EventIssueInvitation})
	if err != nil {
		return Record{}, "", err
	}
	link, err := invitation.URL()
	if err != nil {
		return Record{}, "", err
	}
	return record, link, nil
}

// ReceiveInvitation starts an invitee record and sends the connection
// request. endpoint is advertised to the inviter; empty means replies are
// expected over return routes only.
func (s *Service) ReceiveInvitation(ctx context.Context, invitation didcomm.Invitation, peer Peer, endpoint string) (Record, error) {
	if err := invitation.Validate(); err != nil {
		return Record{}, err
	}
	invitationKey, err := invitation.Key()
	if err != nil {
		return Record{}, err
	}
	existing, err := s.repo.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, record := range existing {
		if record.Role == RoleInvitee && record.State != StateAbandoned &&
			record.InvitationKey == invitationKey && record.Invitation != nil &&
			record.Invitation.ID == invitation.ID {
			return record, fmt.Errorf("%w: %s", ErrInvitationReplayed, invitation.ID)
		}
	}

	unlockPeer := s.locks.Lock(peerLockKey(peer))
	defer unlockPeer()
	if err := s.claimPeer(ctx, peer); err != nil {
		return Record{}, err
	}

	record, err := s.newRecord(ctx, RoleInvitee, peer, endpoint)
	if err != nil {
		return Record{}, err
	}
	record.Invitation = &invitation
	record.InvitationKey = invitationKey
	record.TheirLabel = invitation.Label

	fx := &followups{}
	unlock := s.locks.Lock(record.ConnectionID)
	record, effect, err := s.create(ctx, record, Input{Event: EventReceiveInvitation})
	if err == nil {
		record, err = s.execute(ctx, record, effect, fx)
	}
	unlock()
	s.flush(ctx, fx)
	return record, err
}

func (s *Service) HandleRequest(ctx context.Context, id string, request didcomm.ConnectionRequest) (Record, error) {
	details, parseErr := request.Connection.Peer()
	input := Input{Event: EventReceiveRequest}
	if parseErr == nil {
		input.Details = &details
	}
	record, err := s.run(ctx, id, func(fx *followups) (Record, error) {
		return s.apply(ctx, id, input, func(record *Record) {
			record.RequestID = request.ThreadID()
			record.TheirLabel = request.Label
		}, fx)
	})
	if parseErr != nil {
		err = errors.Join(err, parseErr)
	}
	return record, err
}

// HandleResponse verifies the connection~sig against the invitation key
// before accepting the inviter's details.
func (s *Service) HandleResponse(ctx context.Context, id string, response didcomm.ConnectionResponse) (Record, error) {
	signer, block, verifyErr := response.ConnectionSig.VerifyConnection()
	return s.run(ctx, id, func(fx *followups) (Record, error) {
		if verifyErr != nil {
			record, err := s.apply(ctx, id, Input{Event: EventProtocolViolation, Reason: verifyErr.Error()}, nil, fx)
			return record, errors.Join(verifyErr, err)
		}
		input := Input{Event: EventReceiveResponse, Signer: signer}
		details, err := block.Peer()
		if err == nil {
			current, _, getErr := s.repo.Get(ctx, id)
			if getErr != nil {
				return Record{}, getErr
			}
			if details.Endpoint == "" && current.Invitation != nil {
				details.Endpoint = current.Invitation.ServiceEndpoint
			}
			input.Details = &details
		}
		return s.apply(ctx, id, input, nil, fx)
	})
}

// HandleAck records an ack (trust ping or notification ack) from the peer.
func (s *Service) HandleAck(ctx context.Context, id string) (Record, error) {
	return s.run(ctx, id, func(fx *followups) (Record, error) {
		return s.apply(ctx, id, Input{Event: EventReceiveAck}, nil, fx)
	})
}

func (s *Service) ExpireAck(ctx context.Context, id string) (Record, error) {
	return s.run(ctx, id, func(fx *followups) (Record, error) {
		return s.apply(ctx, id, Input{Event: EventAckTimeout}, nil, fx)
	})
}

// Fail abandons a connection still negotiating, e.g. after the peer sent a
// problem report.
func (s *Service) Fail(ctx context.Context, id, reason string) (Record, error) {
	return s.run(ctx, id, func(fx *followups) (Record, error) {
		record, _, err := s.step(ctx, id, Input{Event: EventProtocolViolation, Reason: reason}, nil)
		return record, err
	})
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	record, _, err := s.repo.Get(ctx, id)
	return record, err
}

func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.repo.List(ctx)
}

func (s *Service) FindByKey(ctx context.Context, verkey string) (Record, error) {
	return s.repo.FindByKey(ctx, verkey)
}

// ResumeTimers re-arms ack timeouts for records that were waiting on an ack
// when the process stopped.
func (s *Service) ResumeTimers(ctx context.Context) error {
	if s.ackGrace <= 0 {
		return nil
	}
	records, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.State != StateResponded {
			continue
		}
		delay := record.UpdatedAt.Add(s.ackGrace).Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		s.scheduleAck(record.ConnectionID, delay)
	}
	return nil
}

func (s *Service) Close() {
	s.closed.Store(true)
	s.timers.Range(func(id string, timer *time.Timer) bool {
		timer.Stop()
		s.timers.Delete(id)
		return true
	})
}

// claimPeer makes room for a new record with peer. An active record keeps
// the peer and fails the call; records still negotiating are abandoned.
// The caller holds the peer lock.
func (s *Service) claimPeer(ctx context.Context, peer Peer) error {
	records, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Peer == peer && record.IsActive() {
			return fmt.Errorf("%w: %s connection %s", ErrPeerConnected, peer, record.ConnectionID)
		}
	}
	for _, record := range records {
		if record.Peer != peer || record.IsTerminal() {
			continue
		}
		id := record.ConnectionID
		unlock := s.locks.Lock(id)
		current, _, err := s.step(ctx, id, Input{Event: EventProtocolViolation, Reason: reasonSuperseded}, nil)
		unlock()
		s.cancelAck(id)
		if current.IsActive() {
			return fmt.Errorf("%w: %s connection %s", ErrPeerConnected, peer, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func peerLockKey(peer Peer) string {
	return "peer/" + string(peer)
}

func (s *Service) newRecord(ctx context.Context, role Role, peer Peer, endpoint string) (Record, error) {
	verkey, err := s.keys.Create(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("create connection key: %w", err)
	}
	did, err := didcomm.DIDFromVerkey(verkey)
	if err != nil {
		return Record{}, err
	}
	now := s.now()
	return Record{
		ConnectionID: uuid.NewString(),
		Role:         role,
		State:        StateInit,
		Peer:         peer,
		Label:        s.label,
		MyDID:        did,
		MyVerkey:     verkey,
		MyEndpoint:   endpoint,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Service) run(ctx context.Context, id string, fn func(fx *followups) (Record, error)) (Record, error) {
	fx := &followups{}
	unlock := s.locks.Lock(id)
	record, err := fn(fx)
	unlock()
	s.flush(ctx, fx)
	return record, err
}

func (s *Service) flush(ctx context.Context, fx *followups) {
	if s.onActive == nil {
		return
	}
	for _, record := range fx.activated {
		s.onActive(ctx, record)
	}
}

func (s *Service) create(ctx context.Context, record Record, input Input) (Record, Effect, error) {
	next, effect, err := Advance(record, input)
	if err != nil {
		return record, EffectNone, err
	}
	next.UpdatedAt = s.now()
	if _, err := s.repo.Save(ctx, next, 0); err != nil {
		return record, EffectNone, fmt.Errorf("persist connection %s: %w", record.ConnectionID, err)
	}
	s.observe(ctx, record, next, input, nil)
	return next, effect, nil
}

// step loads, advances and persists one record. A version conflict is
// retried once against fresh state.
func (s *Service) step(ctx context.Context, id string, input Input, prepare func(*Record)) (result Record, effect Effect, err error) {
	ctx, span := otel.StartSpan(ctx, otel.SpanConnectionTransition,
		attribute.String("connection.id", id),
		attribute.String("connection.event", string(input.Event)),
	)
	defer func() { otel.EndSpan(span, err) }()

	for attempt := 0; ; attempt++ {
		current, version, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return Record{}, EffectNone, getErr
		}
		candidate := current
		if prepare != nil && !current.IsTerminal() {
			prepare(&candidate)
		}
		next, nextEffect, machineErr := Advance(candidate, input)
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
			return current, EffectNone, fmt.Errorf("persist connection %s: %w", id, saveErr)
		}
		s.observe(ctx, current, next, input, machineErr)
		return next, nextEffect, machineErr
	}
}

func (s *Service) apply(ctx context.Context, id string, input Input, prepare func(*Record), fx *followups) (Record, error) {
	record, effect, err := s.step(ctx, id, input, prepare)
	if effect == EffectNone {
		return record, err
	}
	record, execErr := s.execute(ctx, record, effect, fx)
	return record, errors.Join(err, execErr)
}

// execute carries out an effect for a record whose transition is already
// persisted. The caller holds the record lock.
func (s *Service) execute(ctx context.Context, record Record, effect Effect, fx *followups) (Record, error) {
	id := record.ConnectionID
	switch effect {
	case EffectSendRequest:
		request := didcomm.NewConnectionRequest(s.label, s.connectionBlock(record))
		if err := s.sender.Send(ctx, record.Target(), request); err != nil {
			return s.abandonQuietly(ctx, id, fmt.Errorf("deliver connection request: %w", err))
		}
		return s.apply(ctx, id, Input{Event: EventSendRequest}, nil, fx)

	case EffectSendResponse:
		signingKey, err := s.keys.PrivateKey(ctx, record.InvitationKey)
		if err != nil {
			return s.abandonQuietly(ctx, id, fmt.Errorf("load invitation key: %w", err))
		}
		sig, err := didcomm.SignField(s.connectionBlock(record), signingKey, s.now())
		if err != nil {
			return s.abandonQuietly(ctx, id, err)
		}
		response := didcomm.NewConnectionResponse(didcomm.Header{ID: record.RequestID}, sig)
		if err := s.sender.Send(ctx, record.Target(), response); err != nil {
			return s.abandonQuietly(ctx, id, fmt.Errorf("deliver connection response: %w", err))
		}
		return s.apply(ctx, id, Input{Event: EventSendResponse}, nil, fx)

	case EffectScheduleAckTimeout:
		s.scheduleAck(id, s.ackGrace)
		return record, nil

	case EffectSendAck:
		ping := didcomm.Ping{Header: didcomm.NewHeader(didcomm.TypePing)}
		if err := s.sender.Send(ctx, record.Target(), ping); err != nil {
			s.logger.Warn("connection ack not delivered", map[string]string{
				"connection_id": id,
				"error":         err.Error(),
			})
			s.scheduleAck(id, s.ackGrace)
			return record, nil
		}
		return s.apply(ctx, id, Input{Event: EventSendAck}, nil, fx)

	case EffectConnectionActive:
		s.cancelAck(id)
		fx.activated = append(fx.activated, record)
		return record, nil

	case EffectReportProblem:
		s.cancelAck(id)
		s.reportProblem(ctx, record)
		return record, nil
	}
	return record, nil
}

// abandonQuietly abandons the record without a problem report; used when
// the peer could not be reached in the first place.
func (s *Service) abandonQuietly(ctx context.Context, id string, cause error) (Record, error) {
	record, _, err := s.step(ctx, id, Input{Event: EventProtocolViolation, Reason: cause.Error()}, nil)
	s.cancelAck(id)
	return record, errors.Join(cause, err)
}

func (s *Service) connectionBlock(record Record) didcomm.ConnectionBlock {
	return didcomm.ConnectionBlock{
		DID:    record.MyDID,
		DIDDoc: didcomm.NewDIDDoc(record.MyDID, record.MyVerkey, record.MyEndpoint, nil),
	}
}

func (s *Service) reportProblem(ctx context.Context, record Record) {
	target := record.Target()
	if len(target.RecipientKeys) == 0 {
		return
	}
	var parent *didcomm.Header
	if record.RequestID != "" {
		parent = &didcomm.Header{ID: record.RequestID}
	}
	report := didcomm.NewProblemReport(parent, didcomm.CodeConnectionAbandoned, record.Error)
	if err := s.sender.Send(ctx, target, report); err != nil {
		s.logger.Debug("problem report not delivered", map[string]string{
			"connection_id": record.ConnectionID,
			"error":         err.Error(),
		})
	}
}

func (s *Service) scheduleAck(id string, delay time.Duration) {
	if s.ackGrace <= 0 || s.closed.Load() {
		return
	}
	timer := time.AfterFunc(delay, func() {
		s.timers.Delete(id)
		if s.closed.Load() {
			return
		}
		if _, err := s.ExpireAck(context.Background(), id); err != nil {
			s.logger.Debug("ack timeout ignored", map[string]string{
				"connection_id": id,
				"error":         err.Error(),
			})
		}
	})
	if previous, loaded := s.timers.LoadAndStore(id, timer); loaded {
		previous.Stop()
	}
}

func (s *Service) cancelAck(id string) {
	if timer, ok := s.timers.LoadAndDelete(id); ok {
		timer.Stop()
	}
}

func (s *Service) observe(ctx context.Context, before, after Record, input Input, err error) {
	s.metrics.RecordTransition(machineName, string(after.State), err)
	fields := map[string]string{
		"connection_id": after.ConnectionID,
		"role":          string(after.Role),
		"peer":          string(after.Peer),
		"event":         string(input.Event),
		"from":          string(before.State),
		"to":            string(after.State),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("connection transition rejected", fields)
	} else if before.State != after.State {
		s.logger.Info("connection state changed", fields)
	} else {
		s.logger.Debug("connection event applied", fields)
	}
	if before.State != after.State {
		otel.RecordSpanEvent(ctx, "state."+string(after.State))
		s.bus.Publish(event.NewStateEvent(event.TypeConnectionState, after.ConnectionID, string(after.Role), string(before.State), string(after.State)))
	}
}
