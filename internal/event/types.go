package event

import (
	"strconv"
	"time"
)

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const (
	TypeRelayStatus        = "relay.status"
	TypeForwardDelivered   = "forward.delivered"
	TypeForwardRetryQueued = "forward.retry_queued"
	TypeForwardAbandoned   = "forward.abandoned"
	TypeOutboundWritten    = "outbound.written"
	TypeConnectionState    = "connection.state"
	TypeMediationState     = "mediation.state"
	TypeConfigReloaded     = "config.reloaded"
)

// RelayEvent reports retriever activity: status changes and forward
// delivery outcomes.
type RelayEvent struct {
	EventType    string
	Status       string
	ConnectionID string
	MessageID    string
	Attempt      int
	Err          string
	OccurredAt   time.Time
}

func NewRelayStatusEvent(status, connectionID string) RelayEvent {
	return RelayEvent{
		EventType:    TypeRelayStatus,
		Status:       status,
		ConnectionID: connectionID,
		OccurredAt:   time.Now().UTC(),
	}
}

func NewForwardEvent(eventType, messageID string, attempt int, err error) RelayEvent {
	evt := RelayEvent{
		EventType:  eventType,
		MessageID:  messageID,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		evt.Err = err.Error()
	}
	return evt
}

func (e RelayEvent) Type() string {
	return e.EventType
}

func (e RelayEvent) Timestamp() time.Time {
	return e.OccurredAt
}

func (e RelayEvent) Attributes() map[string]string {
	attrs := map[string]string{}
	if e.Status != "" {
		attrs["relay.status"] = e.Status
	}
	if e.ConnectionID != "" {
		attrs["connection_id"] = e.ConnectionID
	}
	if e.MessageID != "" {
		attrs["message_id"] = e.MessageID
	}
	if e.Attempt > 0 {
		attrs["attempt"] = strconv.Itoa(e.Attempt)
	}
	if e.Err != "" {
		attrs["error"] = e.Err
	}
	return attrs
}

// StateEvent captures a persisted state machine transition.
type StateEvent struct {
	EventType  string
	RecordID   string
	Role       string
	From       string
	To         string
	OccurredAt time.Time
}

func NewStateEvent(eventType, recordID, role, from, to string) StateEvent {
	return StateEvent{
		EventType:  eventType,
		RecordID:   recordID,
		Role:       role,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}
}

func (e StateEvent) Type() string {
	return e.EventType
}

func (e StateEvent) Timestamp() time.Time {
	return e.OccurredAt
}

func (e StateEvent) Attributes() map[string]string {
	return map[string]string{
		"record_id":  e.RecordID,
		"role":       e.Role,
		"state.from": e.From,
		"state.to":   e.To,
	}
}

// ConfigEvent captures config file changes.
type ConfigEvent struct {
	EventType  string
	Path       string
	ChangeType string
	OccurredAt time.Time
}

func NewConfigEvent(path, changeType string) ConfigEvent {
	return ConfigEvent{
		EventType:  TypeConfigReloaded,
		Path:       path,
		ChangeType: changeType,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ConfigEvent) Type() string {
	return e.EventType
}

func (e ConfigEvent) Timestamp() time.Time {
	return e.OccurredAt
}
