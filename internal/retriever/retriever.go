// Package retriever keeps a websocket session open to the external
// mediator, polls it for queued envelopes and relays them to the local
// agent in arrival order.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"edgerelay/internal/buffer"
	"edgerelay/internal/connection"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/otel"
	"edgerelay/internal/pack"
	"edgerelay/internal/store"
	"edgerelay/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

var (
	ErrQueueFull      = errors.New("outbound queue full")
	ErrStalled        = errors.New("session stalled")
	ErrAlreadyRunning = errors.New("retriever already running")
)

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultStallTimeout      = 30 * time.Second
	DefaultBackoffMin        = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultOutboundQueueSize = 256
	DefaultForwardQueueSize  = 1024

	forwardAttemptTimeout = 15 * time.Second
	sinkName              = "agent"
)

// Session is one open transport to the mediator. Read is only called from
// a single goroutine; Write and Ping may be called concurrently with it.
type Session interface {
	Write(ctx context.Context, envelope []byte) error
	Read() ([]byte, error)
	Ping(ctx context.Context) error
	SetPongHandler(fn func())
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Session, error)
}

// Sink delivers a forwarded envelope to the local agent.
type Sink interface {
	Deliver(ctx context.Context, envelope []byte) error
}

// Handler processes protocol messages that are not forwards.
type Handler interface {
	HandleMessage(ctx context.Context, unpacked pack.Unpacked) ([]byte, error)
}

type Config struct {
	PollInterval      time.Duration
	ConnectTimeout    time.Duration
	StallTimeout      time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	OutboundQueueSize int
	// ForwardQueueSize is how many undelivered forwards may wait before the
	// mediator stops being polled. Forwards already received are never
	// refused, so the queue only exceeds it by what the mediator pushes
	// unasked.
	ForwardQueueSize int
	// ForwardMaxAttempts drops a forward after that many failed deliveries.
	// Zero retries forever.
	ForwardMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = DefaultBackoffMax
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.ForwardQueueSize <= 0 {
		c.ForwardQueueSize = DefaultForwardQueueSize
	}
	return c
}

type Options struct {
	Config Config
	// Mediator is the active connection the session belongs to.
	Mediator connection.Record
	// Endpoint is dialed for the session, normally the granted endpoint.
	Endpoint    string
	Codec       pack.Codec
	Dialer      Dialer
	Sink        Sink
	Handler     Handler
	Sessions    *transport.Sessions
	Logger      *logging.Logger
	Bus         *event.Bus[event.RelayEvent]
	Metrics     *metrics.Registry
	Instruments *otel.RelayInstruments
}

type Retriever struct {
	cfg         Config
	mediator    connection.Record
	endpoint    string
	codec       pack.Codec
	dialer      Dialer
	sink        Sink
	handler     Handler
	sessions    *transport.Sessions
	logger      *logging.Logger
	bus         *event.Bus[event.RelayEvent]
	metrics     *metrics.Registry
	instruments *otel.RelayInstruments

	status  atomic.Value
	running atomic.Bool

	outMu     sync.Mutex
	outbound  *buffer.Queue[outboundItem]
	outSignal chan struct{}

	fwdMu     sync.Mutex
	forwards  *buffer.Queue[*forwardItem]
	fwdSignal chan struct{}

	liveness chan struct{}
	lastLive atomic.Int64
	abort    context.CancelCauseFunc
}

// fatalError carries the error that stops Run through the context cause.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func New(opts Options) *Retriever {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Retriever{
		cfg:         cfg,
		mediator:    opts.Mediator,
		endpoint:    opts.Endpoint,
		codec:       opts.Codec,
		dialer:      opts.Dialer,
		sink:        opts.Sink,
		handler:     opts.Handler,
		sessions:    opts.Sessions,
		logger:      logger.With(map[string]string{"connection_id": opts.Mediator.ConnectionID}),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		instruments: opts.Instruments,
		outbound:    buffer.NewQueue[outboundItem](cfg.OutboundQueueSize),
		outSignal:   make(chan struct{}, 1),
		forwards:    buffer.NewQueue[*forwardItem](0),
		fwdSignal:   make(chan struct{}, 1),
		liveness:    make(chan struct{}, 1),
	}
	if r.endpoint == "" {
		r.endpoint = opts.Mediator.TheirEndpoint
	}
	r.status.Store(StatusIdle)
	return r
}

func (r *Retriever) Status() Status {
	status, _ := r.status.Load().(Status)
	return status
}

func (r *Retriever) ConnectionID() string {
	return r.mediator.ConnectionID
}

func (r *Retriever) Endpoint() string {
	return r.endpoint
}

// Pending reports queued outbound and forward items.
func (r *Retriever) Pending() (outbound, forwards int) {
	r.outMu.Lock()
	outbound = r.outbound.Len()
	r.outMu.Unlock()
	r.fwdMu.Lock()
	forwards = r.forwards.Len()
	r.fwdMu.Unlock()
	return outbound, forwards
}

// Run connects, probes and relays until ctx is cancelled, which returns nil,
// or a fatal error occurs. Losing the store is fatal.
func (r *Retriever) Run(ctx context.Context) (err error) {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithCancelCause(ctx)
	r.abort = cancel
	defer func() {
		if err == nil {
			err = fatalCause(ctx)
		}
	}()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runForwarder(ctx)
	}()
	defer func() {
		cancel(nil)
		wg.Wait()
		r.setStatus(StatusStopped)
	}()

	bo := r.newBackOff()
	connecting := StatusConnecting
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.setStatus(connecting)
		connecting = StatusReconnecting

		session, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			r.logger.Warn("mediator dial failed", map[string]string{
				"endpoint": r.endpoint,
				"error":    err.Error(),
				"retry_in": wait.String(),
			})
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		err = r.serve(ctx, session, bo)
		r.setStatus(StatusDisconnected)
		if r.fail(err) || ctx.Err() != nil {
			return nil
		}
		r.metrics.IncReconnect()
		r.instruments.Reconnect(ctx)
		wait := bo.NextBackOff()
		fields := map[string]string{"retry_in": wait.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		r.logger.Warn("mediator session ended", fields)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// fail stops Run when err means the store is gone. It reports whether it
// did.
func (r *Retriever) fail(err error) bool {
	if err == nil || !errors.Is(err, store.ErrUnavailable) {
		return false
	}
	r.logger.Error("store unavailable, stopping relay session", map[string]string{"error": err.Error()})
	r.abort(&fatalError{err: err})
	return true
}

func fatalCause(ctx context.Context) error {
	var fatal *fatalError
	if errors.As(context.Cause(ctx), &fatal) {
		return fatal.err
	}
	return nil
}

func (r *Retriever) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.BackoffMin
	bo.MaxInterval = r.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (r *Retriever) dial(ctx context.Context) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return r.dialer.Dial(dialCtx, r.endpoint)
}

// serve owns one session until it fails or ctx ends.
func (r *Retriever) serve(ctx context.Context, session Session, bo *backoff.ExponentialBackOff) (err error) {
	ctx, span := otel.StartSpan(ctx, otel.SpanRelaySession,
		attribute.String("connection.id", r.mediator.ConnectionID),
		attribute.String("endpoint", r.endpoint),
	)
	defer func() { otel.EndSpan(span, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer session.Close()

	r.markLive()
	session.SetPongHandler(r.markLive)
	unregister := r.sessions.Register(r.mediator.ConnectionID, session)
	defer unregister()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := session.Read()
			if err != nil {
				readErr <- err
				return
			}
			r.markLive()
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	r.setStatus(StatusConnected)
	r.metrics.SetConnected(true)
	defer r.metrics.SetConnected(false)
	bo.Reset()
	r.logger.Info("mediator session connected", map[string]string{"endpoint": r.endpoint})

	if err := r.probe(ctx, session); err != nil {
		return err
	}
	if err := r.flushOutbound(ctx, session); err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case frame := <-frames:
			r.handleFrame(ctx, frame)
		case <-r.liveness:
			bo.Reset()
		case <-r.outSignal:
			if err := r.flushOutbound(ctx, session); err != nil {
				return err
			}
		case <-ticker.C:
			if idle := time.Since(time.Unix(0, r.lastLive.Load())); idle > r.cfg.StallTimeout {
				return fmt.Errorf("%w: nothing heard for %s", ErrStalled, idle.Round(time.Millisecond))
			}
			if err := r.probe(ctx, session); err != nil {
				return err
			}
		}
	}
}

func (r *Retriever) markLive() {
	r.lastLive.Store(time.Now().UnixNano())
	select {
	case r.liveness <- struct{}{}:
	default:
	}
}

func (r *Retriever) setStatus(status Status) {
	previous, _ := r.status.Swap(status).(Status)
	if previous == status {
		return
	}
	r.logger.Debug("relay status", map[string]string{"status": string(status)})
	r.bus.Publish(event.NewRelayStatusEvent(string(status), r.mediator.ConnectionID))
}

// target addresses the mediator connection itself.
func (r *Retriever) target(returnRoute bool) transport.Target {
	target := r.mediator.Target()
	target.ReturnRoute = returnRoute
	return target
}

func sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func attemptLabel(attempt int) string {
	return strconv.Itoa(attempt)
}
