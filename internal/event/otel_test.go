package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, record := range records {
		e.records = append(e.records, record.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func (e *recordingExporter) snapshot() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func installExporter(t *testing.T) *recordingExporter {
	t.Helper()
	exporter := &recordingExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	logglobal.SetLoggerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		logglobal.SetLoggerProvider(lognoop.NewLoggerProvider())
	})
	return exporter
}

func TestBusMirrorsEventsToOTel(t *testing.T) {
	exporter := installExporter(t)
	bus := NewBus[RelayEvent](context.Background(), BusOptions{Name: "relay", EmitOTel: true})
	t.Cleanup(bus.Close)

	bus.Publish(NewForwardEvent(TypeForwardAbandoned, "msg-1", 3, errors.New("agent offline")))

	records := exporter.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.EventName() != TypeForwardAbandoned {
		t.Fatalf("unexpected event name %q", record.EventName())
	}
	if record.Severity() != otellog.SeverityError {
		t.Fatalf("expected error severity, got %v", record.Severity())
	}
	attrs := map[string]string{}
	record.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	if attrs["event.bus"] != "relay" || attrs["message_id"] != "msg-1" || attrs["attempt"] != "3" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestBusWithoutOTelEmitsNothing(t *testing.T) {
	exporter := installExporter(t)
	bus := NewBus[StateEvent](context.Background(), BusOptions{Name: "state"})
	t.Cleanup(bus.Close)

	bus.Publish(NewStateEvent(TypeConnectionState, "c1", "inviter", "invited", "requested"))
	if records := exporter.snapshot(); len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}
