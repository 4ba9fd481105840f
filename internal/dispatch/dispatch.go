// Package dispatch unpacks inbound envelopes, resolves the connection they
// belong to and routes each message to the service that owns its protocol.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/logging"
	"edgerelay/internal/mediation"
	"edgerelay/internal/otel"
	"edgerelay/internal/pack"
	"edgerelay/internal/transport"

	"go.opentelemetry.io/otel/attribute"
)

var ErrUnknownConnection = errors.New("no connection for recipient key")

type Connections interface {
	FindByKey(ctx context.Context, verkey string) (connection.Record, error)
	HandleRequest(ctx context.Context, id string, request didcomm.ConnectionRequest) (connection.Record, error)
	HandleResponse(ctx context.Context, id string, response didcomm.ConnectionResponse) (connection.Record, error)
	HandleAck(ctx context.Context, id string) (connection.Record, error)
	Fail(ctx context.Context, id, reason string) (connection.Record, error)
}

type Mediations interface {
	HandleRequest(ctx context.Context, connectionID string, request didcomm.MediateRequest) (mediation.Record, error)
	HandleGrant(ctx context.Context, connectionID string, grant didcomm.MediateGrant) (mediation.Record, error)
	HandleDeny(ctx context.Context, connectionID string, deny didcomm.MediateDeny) (mediation.Record, error)
	HandleKeylistUpdate(ctx context.Context, connectionID string, update didcomm.KeylistUpdate) (mediation.Record, error)
}

// Forwards receives forward messages by the direction they travel.
type Forwards interface {
	// FromMediator carries a message queued at the external mediator toward
	// the local agent.
	FromMediator(ctx context.Context, conn connection.Record, forward didcomm.Forward) error
	// FromAgent carries agent traffic out through the external mediator.
	FromAgent(ctx context.Context, conn connection.Record, forward didcomm.Forward) error
}

type Options struct {
	Codec       pack.Codec
	Connections Connections
	Mediations  Mediations
	Forwards    Forwards
	Sender      transport.Sender
	Logger      *logging.Logger
}

type Dispatcher struct {
	codec       pack.Codec
	connections Connections
	mediations  Mediations
	forwards    Forwards
	sender      transport.Sender
	logger      *logging.Logger
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		codec:       opts.Codec,
		connections: opts.Connections,
		mediations:  opts.Mediations,
		forwards:    opts.Forwards,
		sender:      opts.Sender,
		logger:      logger,
	}
}

// Handle unpacks envelope and processes the message inside. When the
// message asks for a return route, the first reply to the sender is
// returned instead of being sent separately.
func (d *Dispatcher) Handle(ctx context.Context, envelope []byte) ([]byte, error) {
	unpacked, err := d.codec.Unpack(ctx, envelope)
	if err != nil {
		return nil, err
	}
	return d.HandleMessage(ctx, unpacked)
}

func (d *Dispatcher) HandleMessage(ctx context.Context, unpacked pack.Unpacked) (reply []byte, err error) {
	header, short, err := didcomm.ParseHeader(unpacked.Message)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, otel.SpanInboundMessage,
		attribute.String("didcomm.type", short),
		attribute.String("didcomm.id", header.ID),
	)
	defer func() { otel.EndSpan(span, err) }()

	conn, err := d.connections.FindByKey(ctx, unpacked.RecipientKey)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, unpacked.RecipientKey)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("connection.id", conn.ConnectionID))

	slot := transport.ReplySlotFrom(ctx)
	if header.WantsReturnRoute() {
		slot = transport.NewReplySlot(unpacked.SenderKey)
		slot.Bind(conn.ConnectionID)
	}
	ctx = transport.WithReplySlot(ctx, slot)

	d.logger.Debug("inbound message", map[string]string{
		"type":          short,
		"id":            header.ID,
		"connection_id": conn.ConnectionID,
	})

	err = d.route(ctx, conn, header, short, unpacked.Message)
	if reportable, ok := didcomm.AsReportable(err); ok {
		d.report(ctx, conn, header, reportable)
	}
	if err != nil {
		d.logger.Warn("inbound message failed", map[string]string{
			"type":          short,
			"connection_id": conn.ConnectionID,
			"error":         err.Error(),
		})
	}
	if header.WantsReturnRoute() {
		return slot.Envelope(), err
	}
	return nil, err
}

func (d *Dispatcher) route(ctx context.Context, conn connection.Record, header didcomm.Header, short string, raw []byte) error {
	switch short {
	case didcomm.TypeConnectionRequest:
		request, err := didcomm.Decode[didcomm.ConnectionRequest](raw)
		if err != nil {
			return err
		}
		_, err = d.connections.HandleRequest(ctx, conn.ConnectionID, request)
		return err
	case didcomm.TypeConnectionResponse:
		response, err := didcomm.Decode[didcomm.ConnectionResponse](raw)
		if err != nil {
			return err
		}
		_, err = d.connections.HandleResponse(ctx, conn.ConnectionID, response)
		return err
	case didcomm.TypePing:
		ping, err := didcomm.Decode[didcomm.Ping](raw)
		if err != nil {
			return err
		}
		if err := d.ack(ctx, conn); err != nil {
			return err
		}
		if !ping.WantsResponse() {
			return nil
		}
		return d.sender.Send(ctx, conn.Target(), didcomm.NewPingResponse(ping.Header))
	case didcomm.TypePingResponse, didcomm.TypeAck:
		return d.ack(ctx, conn)
	case didcomm.TypeProblemReport:
		return d.problem(ctx, conn, raw)
	case didcomm.TypeMediateRequest:
		request, err := didcomm.Decode[didcomm.MediateRequest](raw)
		if err != nil {
			return err
		}
		_, err = d.mediations.HandleRequest(ctx, conn.ConnectionID, request)
		return err
	case didcomm.TypeMediateGrant:
		grant, err := didcomm.Decode[didcomm.MediateGrant](raw)
		if err != nil {
			return err
		}
		_, err = d.mediations.HandleGrant(ctx, conn.ConnectionID, grant)
		return err
	case didcomm.TypeMediateDeny:
		deny, err := didcomm.Decode[didcomm.MediateDeny](raw)
		if err != nil {
			return err
		}
		_, err = d.mediations.HandleDeny(ctx, conn.ConnectionID, deny)
		return err
	case didcomm.TypeKeylistUpdate:
		update, err := didcomm.Decode[didcomm.KeylistUpdate](raw)
		if err != nil {
			return err
		}
		_, err = d.mediations.HandleKeylistUpdate(ctx, conn.ConnectionID, update)
		return err
	case didcomm.TypeKeylistUpdateResponse:
		d.logger.Debug("keylist update acknowledged", map[string]string{"connection_id": conn.ConnectionID})
		return nil
	case didcomm.TypeForward:
		forward, err := didcomm.Decode[didcomm.Forward](raw)
		if err != nil {
			return err
		}
		return d.forward(ctx, conn, forward)
	default:
		return didcomm.NewReportable(didcomm.CodeMessageNotHandled, fmt.Sprintf("message type %s is not handled", short), nil)
	}
}

// ack treats trust pings and acks as the connection ack. An invitee still
// waiting to send its own ack ignores them.
func (d *Dispatcher) ack(ctx context.Context, conn connection.Record) error {
	switch {
	case conn.IsActive():
	case conn.Role == connection.RoleInviter && conn.State == connection.StateResponded:
	default:
		return nil
	}
	_, err := d.connections.HandleAck(ctx, conn.ConnectionID)
	return err
}

func (d *Dispatcher) problem(ctx context.Context, conn connection.Record, raw []byte) error {
	report, err := didcomm.Decode[didcomm.ProblemReport](raw)
	if err != nil {
		return err
	}
	d.logger.Warn("problem report received", map[string]string{
		"connection_id": conn.ConnectionID,
		"code":          report.Description.Code,
		"message":       report.Description.En,
	})
	if conn.IsTerminal() {
		return nil
	}
	_, err = d.connections.Fail(ctx, conn.ConnectionID, "problem report: "+report.Description.Code)
	return err
}

func (d *Dispatcher) forward(ctx context.Context, conn connection.Record, forward didcomm.Forward) error {
	if d.forwards == nil {
		return didcomm.NewReportable(didcomm.CodeMediatorConnectionNotEstablished, "relay is not ready to forward messages", nil)
	}
	switch conn.Peer {
	case connection.PeerMediator:
		return d.forwards.FromMediator(ctx, conn, forward)
	case connection.PeerAgent:
		return d.forwards.FromAgent(ctx, conn, forward)
	default:
		return didcomm.NewReportable(didcomm.CodeForwardFromUnauthorizedConnection, "forward messages are only accepted from the mediator or agent connection", nil)
	}
}

func (d *Dispatcher) report(ctx context.Context, conn connection.Record, parent didcomm.Header, problem *didcomm.ReportableError) {
	target := conn.Target()
	if len(target.RecipientKeys) == 0 || d.sender == nil {
		return
	}
	report := didcomm.NewProblemReport(&parent, problem.Code, problem.Message)
	if err := d.sender.Send(ctx, target, report); err != nil {
		d.logger.Debug("problem report not delivered", map[string]string{
			"connection_id": conn.ConnectionID,
			"code":          problem.Code,
			"error":         err.Error(),
		})
	}
}
