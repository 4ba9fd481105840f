package api

import (
	"net/http"
	"time"

	"edgerelay/internal/event"
	"edgerelay/internal/logging"
)

// StreamHandler serves the admin websocket streams: state machine
// transitions, relay status events and live log entries.
type StreamHandler struct {
	StateBus  *event.Bus[event.StateEvent]
	RelayBus  *event.Bus[event.RelayEvent]
	Logger    *logging.Logger
	AuthToken string
}

type streamEvent struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type eventSource interface {
	event.Event
	Attributes() map[string]string
}

func toStreamEvent[T eventSource](evt T) (any, bool) {
	return streamEvent{
		Type:       evt.Type(),
		Timestamp:  evt.Timestamp(),
		Attributes: evt.Attributes(),
	}, true
}

func (h *StreamHandler) handleStateEvents(w http.ResponseWriter, r *http.Request) {
	config := wsBusStreamConfig[event.StateEvent]{
		Logger:            h.Logger,
		AuthToken:         h.AuthToken,
		Route:             "/api/events/state",
		UnavailableReason: "state events unavailable",
		BuildPayload:      toStreamEvent[event.StateEvent],
	}
	if h.StateBus != nil {
		config.Subscribe = h.StateBus.Subscribe
	}
	serveWSBusStream(w, r, config)
}

func (h *StreamHandler) handleRelayEvents(w http.ResponseWriter, r *http.Request) {
	config := wsBusStreamConfig[event.RelayEvent]{
		Logger:            h.Logger,
		AuthToken:         h.AuthToken,
		Route:             "/api/events/relay",
		UnavailableReason: "relay events unavailable",
		BuildPayload:      toStreamEvent[event.RelayEvent],
	}
	if h.RelayBus != nil {
		config.Subscribe = h.RelayBus.Subscribe
	}
	serveWSBusStream(w, r, config)
}

// handleLogStream streams new log entries. ?level= drops entries below
// that level.
func (h *StreamHandler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	minLevel := logging.Level("")
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			writeJSONError(w, &apiError{Status: http.StatusBadRequest, Message: "invalid level"})
			return
		}
		minLevel = level
	}
	config := wsBusStreamConfig[logging.LogEntry]{
		Logger:            h.Logger,
		AuthToken:         h.AuthToken,
		Route:             "/api/logs/stream",
		UnavailableReason: "log stream unavailable",
		BuildPayload: func(entry logging.LogEntry) (any, bool) {
			return entry, true
		},
	}
	if h.Logger != nil {
		config.Subscribe = func() (<-chan logging.LogEntry, func()) {
			return h.Logger.Subscribe(minLevel)
		}
	}
	serveWSBusStream(w, r, config)
}
