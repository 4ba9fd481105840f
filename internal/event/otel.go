package event

import (
	"context"
	"sort"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
)

func emitOTelEvent[T any](event T, busName string) {
	typed, ok := any(event).(Event)
	if !ok {
		return
	}
	eventName := typed.Type()
	severity, severityText := severityForEvent(eventName)

	var record otellog.Record
	record.SetEventName(eventName)
	record.SetTimestamp(typed.Timestamp())
	record.SetObservedTimestamp(time.Now().UTC())
	record.SetSeverity(severity)
	record.SetSeverityText(severityText)
	record.SetBody(otellog.StringValue(eventName))
	attrs := []otellog.KeyValue{otellog.String("event.bus", busName)}
	if attributed, ok := any(event).(interface{ Attributes() map[string]string }); ok {
		fields := attributed.Attributes()
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			attrs = append(attrs, otellog.String(key, fields[key]))
		}
	}
	record.AddAttributes(attrs...)
	logglobal.GetLoggerProvider().Logger("edgerelay/event").Emit(context.Background(), record)
}

func severityForEvent(eventName string) (otellog.Severity, string) {
	switch eventName {
	case TypeForwardRetryQueued:
		return otellog.SeverityWarn, "warning"
	case TypeForwardAbandoned:
		return otellog.SeverityError, "error"
	default:
		return otellog.SeverityInfo, "info"
	}
}
