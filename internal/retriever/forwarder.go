package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/event"
	"edgerelay/internal/otel"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
)

type forwardItem struct {
	id         string
	msg        json.RawMessage
	receivedAt time.Time
	attempts   int
	backoff    *backoff.ExponentialBackOff
}

// Enqueue hands a forward from the mediator to the ordered forwarder. It
// never blocks.
func (r *Retriever) Enqueue(forward didcomm.Forward) {
	item := &forwardItem{
		id:         forward.ID,
		msg:        forward.Msg,
		receivedAt: time.Now(),
		backoff:    r.newBackOff(),
	}
	r.fwdMu.Lock()
	_ = r.forwards.Push(item)
	r.fwdMu.Unlock()
	select {
	case r.fwdSignal <- struct{}{}:
	default:
	}
}

// runForwarder delivers queued forwards strictly in order. A failing head
// item is retried with its own backoff while the rest wait behind it.
func (r *Retriever) runForwarder(ctx context.Context) {
	for {
		r.fwdMu.Lock()
		item, ok := r.forwards.Peek()
		r.fwdMu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.fwdSignal:
				continue
			}
		}

		err := r.deliver(ctx, item)
		if err == nil {
			r.popForward()
			elapsed := time.Since(item.receivedAt)
			r.metrics.RecordForward(sinkName, elapsed)
			r.instruments.Forward(ctx, elapsed)
			r.bus.Publish(event.NewForwardEvent(event.TypeForwardDelivered, item.id, item.attempts+1, nil))
			continue
		}
		if ctx.Err() != nil || r.fail(err) {
			return
		}

		item.attempts++
		if r.cfg.ForwardMaxAttempts > 0 && item.attempts >= r.cfg.ForwardMaxAttempts {
			r.popForward()
			r.metrics.IncForwardAbandoned()
			r.bus.Publish(event.NewForwardEvent(event.TypeForwardAbandoned, item.id, item.attempts, err))
			r.logger.Error("forward abandoned", map[string]string{
				"message_id": item.id,
				"attempts":   attemptLabel(item.attempts),
				"error":      err.Error(),
			})
			continue
		}

		wait := item.backoff.NextBackOff()
		r.metrics.IncForwardRetry()
		r.instruments.ForwardRetry(ctx, item.attempts)
		r.bus.Publish(event.NewForwardEvent(event.TypeForwardRetryQueued, item.id, item.attempts, err))
		r.logger.Warn("forward delivery failed, retrying", map[string]string{
			"message_id": item.id,
			"attempts":   attemptLabel(item.attempts),
			"retry_in":   wait.String(),
			"error":      err.Error(),
		})
		if !sleep(ctx, wait) {
			return
		}
	}
}

// deliver runs one attempt. Cancellation does not cut an attempt short;
// it is bounded by its own timeout instead.
func (r *Retriever) deliver(ctx context.Context, item *forwardItem) (err error) {
	if r.sink == nil {
		return errors.New("no agent sink configured")
	}
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forwardAttemptTimeout)
	defer cancel()
	attemptCtx, span := otel.StartSpan(attemptCtx, otel.SpanForwardDelivery,
		attribute.String("message.id", item.id),
		attribute.Int("attempt", item.attempts+1),
	)
	defer func() { otel.EndSpan(span, err) }()
	return r.sink.Deliver(attemptCtx, item.msg)
}

func (r *Retriever) backlogged() bool {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	return r.forwards.Len() >= r.cfg.ForwardQueueSize
}

func (r *Retriever) popForward() {
	r.fwdMu.Lock()
	r.forwards.Pop()
	r.fwdMu.Unlock()
}
