package event

import (
	"context"
	"io"
	"testing"
	"time"

	"edgerelay/internal/logging"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(42)
	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})
	ch, _ := bus.Subscribe()

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	bus.Publish(1)
}

func TestBusDropOnFull(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{
		Name:                 "drop",
		SubscriberBufferSize: 1,
		Logger:               logging.NewLoggerWithOutput(logging.NewLogBuffer(10), logging.LevelInfo, io.Discard),
	})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()
	bus.Publish("first")

	done := make(chan struct{})
	go func() {
		bus.Publish("second")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked in drop mode")
	}

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != "first" {
		t.Fatalf("expected first event, got %q", got)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	if bus.dropped.Load() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", bus.dropped.Load())
	}
}

func TestBusSubscribeTypesFilters(t *testing.T) {
	bus := NewBus[RelayEvent](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.SubscribeTypes(TypeForwardRetryQueued)
	defer cancel()

	bus.Publish(NewRelayStatusEvent("connected", "c1"))
	bus.Publish(NewForwardEvent(TypeForwardRetryQueued, "m1", 1, io.ErrUnexpectedEOF))

	got := ReceiveWithTimeout(t, ch, 100*time.Millisecond)
	if got.MessageID != "m1" || got.Attempt != 1 || got.Err == "" {
		t.Fatalf("unexpected event %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestBusHistoryStoresRecentEvents(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{HistorySize: 2})
	t.Cleanup(bus.Close)

	bus.Publish(1)
	bus.Publish(2)
	bus.Publish(3)

	history := bus.DumpHistory()
	if len(history) != 2 || history[0] != 2 || history[1] != 3 {
		t.Fatalf("unexpected history events: %#v", history)
	}
}

func TestBusBlockOnFullTimeoutRemovesSubscriber(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{
		SubscriberBufferSize: 1,
		BlockOnFull:          true,
		WriteTimeout:         20 * time.Millisecond,
	})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()
	bus.Publish(1)
	bus.Publish(2)

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 1 {
		t.Fatalf("expected first event, got %d", got)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after timeout")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed, got %d", bus.SubscriberCount())
	}
}
