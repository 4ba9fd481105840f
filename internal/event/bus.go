package event

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"edgerelay/internal/buffer"
	"edgerelay/internal/logging"
)

const defaultSubscriberBufferSize = 128
const defaultDropWarningThreshold = 0.01
const defaultDropWarningInterval = 30 * time.Second

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	BlockOnFull          bool
	WriteTimeout         time.Duration
	DropWarningThreshold float64
	DropWarningInterval  time.Duration
	HistorySize          int
	Logger               *logging.Logger
	// EmitOTel mirrors every published event to the global OpenTelemetry
	// logger provider.
	EmitOTel bool
}

type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
	lastWarning atomic.Int64
	history     *buffer.Ring[T]
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningThreshold <= 0 {
		opts.DropWarningThreshold = defaultDropWarningThreshold
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		logger:      opts.Logger,
	}
	if bus.logger == nil {
		bus.logger = logging.Discard()
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() {
		b.removeSubscriber(id)
	}
}

func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType == "" {
			continue
		}
		typeSet[eventType] = struct{}{}
	}
	if len(typeSet) == 0 {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	return b.SubscribeFiltered(func(event T) bool {
		typed, ok := any(event).(Event)
		if !ok {
			return false
		}
		_, matched := typeSet[typed.Type()]
		return matched
	})
}

func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.history != nil {
		b.history.Add(event)
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	if b.options.EmitOTel {
		emitOTelEvent(event, b.busName())
	}

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		if b.options.BlockOnFull {
			b.blockingSend(sub, event)
			continue
		}
		b.nonBlockingSend(sub, event)
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
	})
}

// DumpHistory returns a copy of the stored event history in order.
func (b *Bus[T]) DumpHistory() []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history == nil {
		return nil
	}
	return b.history.List()
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) nonBlockingSend(sub subscription[T], event T) {
	delivered := b.safeSend(sub, func() bool {
		select {
		case sub.ch <- event:
			return true
		default:
			return false
		}
	})
	if !delivered {
		b.incDropped()
	}
}

func (b *Bus[T]) blockingSend(sub subscription[T], event T) {
	delivered := b.safeSend(sub, func() bool {
		if b.options.WriteTimeout <= 0 {
			sub.ch <- event
			return true
		}
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- event:
			return true
		case <-timer.C:
			return false
		}
	})
	if !delivered {
		b.incDropped()
		b.removeSubscriber(sub.id)
	}
}

func (b *Bus[T]) safeSend(sub subscription[T], send func() bool) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			delivered = false
		}
	}()
	return send()
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(existing.ch)
	}
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Warn("event subscriber filter panicked", map[string]string{"bus": b.busName()})
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) incDropped() {
	b.dropped.Add(1)
	b.maybeWarnDropRate()
}

func (b *Bus[T]) maybeWarnDropRate() {
	published := b.published.Load()
	dropped := b.dropped.Load()
	if published == 0 || dropped == 0 {
		return
	}
	rate := float64(dropped) / float64(published)
	if rate < b.options.DropWarningThreshold {
		return
	}
	now := time.Now()
	lastNanos := b.lastWarning.Load()
	if lastNanos > 0 && now.Sub(time.Unix(0, lastNanos)) < b.options.DropWarningInterval {
		return
	}
	if !b.lastWarning.CompareAndSwap(lastNanos, now.UnixNano()) {
		return
	}
	b.logger.Warn("event bus dropping events", map[string]string{
		"bus":       b.busName(),
		"rate":      fmt.Sprintf("%.2f%%", rate*100),
		"dropped":   fmt.Sprintf("%d", dropped),
		"published": fmt.Sprintf("%d", published),
	})
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
