package api

import (
	"net/http"

	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/relay"
)

type Options struct {
	Relay   *relay.Context
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// AuthToken guards the admin routes. DIDComm routes stay open; their
	// envelopes are authenticated by the codec.
	AuthToken string
	// RateLimit is admin requests per second; zero disables limiting.
	RateLimit float64
	StateBus  *event.Bus[event.StateEvent]
	RelayBus  *event.Bus[event.RelayEvent]
}

func RegisterRoutes(mux *http.ServeMux, opts Options) {
	logger := opts.Logger
	rest := &RestHandler{
		Relay:   opts.Relay,
		Logger:  logger,
		Metrics: opts.Metrics,
	}
	limiter := newLimiter(opts.RateLimit)
	token := opts.AuthToken
	wrap := func(route string, handler http.Handler) http.Handler {
		return tracingMiddleware(route, loggingMiddleware(logger, handler))
	}
	admin := func(route string, handler apiHandler) {
		mux.Handle(route, wrap(route, restHandler(token, limiter, handler)))
	}

	admin("/api/invitations", rest.handleInvitations)
	admin("/api/invitations/receive", rest.handleReceiveInvitation)
	admin("/api/connections", rest.handleConnections)
	admin("/api/connections/", rest.handleConnection)
	admin("/api/mediations", rest.handleMediations)
	admin("/api/mediations/", rest.handleMediation)
	admin("/api/status", rest.handleStatus)
	admin("/api/logs", rest.handleLogs)
	admin("/api/schemas", rest.handleSchemas)
	admin("/api/schemas/", rest.handleSchema)
	admin("/metrics", rest.handleMetrics)
	streams := &StreamHandler{
		StateBus:  opts.StateBus,
		RelayBus:  opts.RelayBus,
		Logger:    logger,
		AuthToken: token,
	}
	mux.Handle("/api/events/state", loggingMiddleware(logger, http.HandlerFunc(streams.handleStateEvents)))
	mux.Handle("/api/events/relay", loggingMiddleware(logger, http.HandlerFunc(streams.handleRelayEvents)))
	mux.Handle("/api/logs/stream", loggingMiddleware(logger, http.HandlerFunc(streams.handleLogStream)))
	mux.Handle("/api/", securityHeadersMiddleware(cacheControlNoStore, http.NotFoundHandler()))

	mux.Handle("/ws", wrap("/ws", &SessionHandler{Relay: opts.Relay, Logger: logger}))
	mux.Handle("/", wrap("/", &InboundHandler{Relay: opts.Relay, Logger: logger}))
}
