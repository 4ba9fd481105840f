package api

import (
	"net/http"
	"strings"

	"edgerelay/internal/logging"
)

type wsBusStreamConfig[T any] struct {
	Logger            *logging.Logger
	AuthToken         string
	Route             string
	Subscribe         func() (<-chan T, func())
	UnavailableReason string
	BuildPayload      func(T) (any, bool)
}

// serveWSBusStream subscribes to a source and streams payloads to a websocket connection.
func serveWSBusStream[T any](w http.ResponseWriter, r *http.Request, config wsBusStreamConfig[T]) {
	if !requireWSToken(w, r, config.AuthToken, config.Logger) {
		return
	}
	if config.Subscribe == nil {
		writeWSError(w, r, nil, config.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: unavailableReason(config.UnavailableReason),
		})
		return
	}

	output, cancel := config.Subscribe()
	if output == nil {
		cancel()
		writeWSError(w, r, nil, config.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: unavailableReason(config.UnavailableReason),
		})
		return
	}
	defer cancel()

	conn, err := upgradeWebSocket(w, r)
	if err != nil {
		logWSError(config.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	spanCtx, span := startWebSocketSpan(r, config.Route)
	defer span.End()
	r = r.WithContext(spanCtx)

	serveWSStream(r, wsStreamConfig[T]{
		Conn:         conn,
		Logger:       config.Logger,
		Output:       output,
		BuildPayload: config.BuildPayload,
	})
}

func unavailableReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "event stream unavailable"
	}
	return reason
}
