package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/event"
	"edgerelay/internal/pack"
	"edgerelay/internal/transport"
)

type outboundItem struct {
	envelope []byte
	id       string
	queuedAt time.Time
}

// probe asks the mediator to return queued messages on this session and
// checks the websocket is alive. While the forward backlog is full only the
// websocket ping goes out, leaving further messages queued at the mediator.
func (r *Retriever) probe(ctx context.Context, session Session) error {
	if !r.backlogged() {
		ping := didcomm.NewLivenessPing()
		envelope, err := transport.Prepare(ctx, r.codec, r.target(true), ping)
		if err != nil {
			return err
		}
		if err := session.Write(ctx, envelope); err != nil {
			r.metrics.IncProbeFailure()
			r.instruments.Probe(ctx, false)
			return err
		}
	}
	if err := session.Ping(ctx); err != nil {
		r.metrics.IncProbeFailure()
		r.instruments.Probe(ctx, false)
		return err
	}
	r.metrics.IncProbeSent()
	r.instruments.Probe(ctx, true)
	return nil
}

func (r *Retriever) handleFrame(ctx context.Context, frame []byte) {
	envelopes, err := splitFrame(frame)
	if err != nil {
		r.drop(ctx, err)
		return
	}
	for _, raw := range envelopes {
		unpacked, err := r.codec.Unpack(ctx, raw)
		if r.fail(err) {
			return
		}
		if err != nil {
			r.drop(ctx, err)
			continue
		}
		r.metrics.IncEnvelopeReceived()
		r.handleMessage(ctx, unpacked)
	}
}

func (r *Retriever) handleMessage(ctx context.Context, unpacked pack.Unpacked) {
	_, short, err := didcomm.ParseHeader(unpacked.Message)
	if err != nil {
		r.drop(ctx, err)
		return
	}
	if short == didcomm.TypeForward && unpacked.RecipientKey == r.mediator.MyVerkey {
		forward, err := didcomm.Decode[didcomm.Forward](unpacked.Message)
		if err != nil {
			r.drop(ctx, err)
			return
		}
		r.Enqueue(forward)
		return
	}
	if r.handler == nil {
		r.logger.Debug("no handler for mediator message", map[string]string{"type": short})
		return
	}
	if _, err := r.handler.HandleMessage(ctx, unpacked); err != nil {
		if r.fail(err) {
			return
		}
		r.logger.Warn("mediator message not handled", map[string]string{
			"type":  short,
			"error": err.Error(),
		})
	}
}

func (r *Retriever) drop(ctx context.Context, err error) {
	r.metrics.IncEnvelopeDropped()
	r.instruments.EnvelopeDropped(ctx)
	r.logger.Warn("dropping undecodable envelope", map[string]string{"error": err.Error()})
}

// splitFrame returns the envelopes carried by one websocket frame, which
// holds either a single envelope or a JSON array of them.
func splitFrame(frame []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, errors.New("empty frame")
	}
	if trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, err
	}
	envelopes := make([][]byte, 0, len(batch))
	for _, item := range batch {
		envelopes = append(envelopes, item)
	}
	return envelopes, nil
}

// Submit queues an agent payload for delivery through the mediator. The
// payload is wrapped in a forward to recipientKey and packed for the
// mediator connection now; it is written once a session is open.
func (r *Retriever) Submit(ctx context.Context, payload []byte, recipientKey string) error {
	to, err := didcomm.NormalizeVerkey(recipientKey)
	if err != nil {
		return err
	}
	forward := didcomm.NewForward(to, payload)
	envelope, err := transport.Prepare(ctx, r.codec, r.target(false), forward)
	if err != nil {
		return err
	}

	r.outMu.Lock()
	err = r.outbound.Push(outboundItem{envelope: envelope, id: forward.ID, queuedAt: time.Now()})
	depth := r.outbound.Len()
	r.outMu.Unlock()
	if err != nil {
		return ErrQueueFull
	}
	r.metrics.SetOutboundQueued(depth)
	select {
	case r.outSignal <- struct{}{}:
	default:
	}
	return nil
}

// flushOutbound writes queued items in order. An item leaves the queue
// only after its write succeeded.
func (r *Retriever) flushOutbound(ctx context.Context, session Session) error {
	for {
		r.outMu.Lock()
		item, ok := r.outbound.Peek()
		r.outMu.Unlock()
		if !ok {
			return nil
		}
		if err := session.Write(ctx, item.envelope); err != nil {
			return err
		}
		r.outMu.Lock()
		r.outbound.Pop()
		depth := r.outbound.Len()
		r.outMu.Unlock()
		r.metrics.SetOutboundQueued(depth)
		r.metrics.IncOutboundWritten()
		r.bus.Publish(event.RelayEvent{
			EventType:    event.TypeOutboundWritten,
			ConnectionID: r.mediator.ConnectionID,
			MessageID:    item.id,
			OccurredAt:   time.Now().UTC(),
		})
	}
}
